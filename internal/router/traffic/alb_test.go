package traffic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
)

// fakeELBClient scripts the ELBv2 answers. DescribeTargetHealth consumes
// healthStates one per call and repeats the last entry once drained.
type fakeELBClient struct {
	mu sync.Mutex

	registerErr   error
	deregisterErr error
	healthErr     error
	healthStates  []elbtypes.TargetHealthStateEnum
	attributes    map[string]string
	attributesErr error

	lastRegister *elbv2.RegisterTargetsInput

	registerCalls   int
	deregisterCalls int
	healthCalls     int
	attributeCalls  int
}

func (f *fakeELBClient) RegisterTargets(ctx context.Context, params *elbv2.RegisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.RegisterTargetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	f.lastRegister = params
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &elbv2.RegisterTargetsOutput{}, nil
}

func (f *fakeELBClient) DeregisterTargets(ctx context.Context, params *elbv2.DeregisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregisterCalls++
	if f.deregisterErr != nil {
		return nil, f.deregisterErr
	}
	return &elbv2.DeregisterTargetsOutput{}, nil
}

func (f *fakeELBClient) DescribeTargetHealth(ctx context.Context, params *elbv2.DescribeTargetHealthInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetHealthOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	if f.healthErr != nil {
		return nil, f.healthErr
	}

	state := elbtypes.TargetHealthStateEnumUnused
	if len(f.healthStates) > 0 {
		state = f.healthStates[0]
		if len(f.healthStates) > 1 {
			f.healthStates = f.healthStates[1:]
		}
	}

	return &elbv2.DescribeTargetHealthOutput{
		TargetHealthDescriptions: []elbtypes.TargetHealthDescription{
			{TargetHealth: &elbtypes.TargetHealth{State: state}},
		},
	}, nil
}

func (f *fakeELBClient) DescribeTargetGroupAttributes(ctx context.Context, params *elbv2.DescribeTargetGroupAttributesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attributeCalls++
	if f.attributesErr != nil {
		return nil, f.attributesErr
	}

	out := &elbv2.DescribeTargetGroupAttributesOutput{}
	for key, value := range f.attributes {
		out.Attributes = append(out.Attributes, elbtypes.TargetGroupAttribute{
			Key:   aws.String(key),
			Value: aws.String(value),
		})
	}
	return out, nil
}

func (f *fakeELBClient) calls() (register, deregister, health, attribute int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.deregisterCalls, f.healthCalls, f.attributeCalls
}

func testALBStrategy(client ELBClient, cfg *ALBConfig) *ALBStrategy {
	if cfg == nil {
		cfg = &ALBConfig{
			TargetGroupARN:      "arn:aws:elasticloadbalancing:eu-west-1:123456789012:targetgroup/router/abc",
			TargetID:            "i-0123456789abcdef0",
			DeregistrationDelay: time.Second,
		}
	}
	s := newALBStrategy(client, cfg)
	s.drainPollInterval = time.Millisecond
	return s
}

func TestNewALBStrategy_RequiresTarget(t *testing.T) {
	if _, err := NewALBStrategy(context.Background(), &ALBConfig{}); err == nil {
		t.Error("expected an error for a config without target group and target ID")
	}
	if _, err := NewALBStrategy(context.Background(), nil); err == nil {
		t.Error("expected an error for a nil config")
	}
}

func TestALBStrategy_Register(t *testing.T) {
	client := &fakeELBClient{}
	s := testALBStrategy(client, nil)

	if err := s.RegisterAsActive(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if !s.Registered() {
		t.Error("strategy should report registered")
	}
	st := s.Status()
	if st.Strategy != StrategyAWSALB {
		t.Errorf("unexpected strategy name %q", st.Strategy)
	}
	if st.LastOperation != "register" || st.LastError != "" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestALBStrategy_RegisterFailure(t *testing.T) {
	client := &fakeELBClient{registerErr: errors.New("access denied")}
	s := testALBStrategy(client, nil)

	err := s.RegisterAsActive(context.Background())
	if err == nil {
		t.Fatal("expected register to fail")
	}
	if s.Registered() {
		t.Error("failed register should not mark the target registered")
	}
	if st := s.Status(); st.LastError == "" {
		t.Error("status should carry the last error")
	}
}

func TestALBStrategy_RegisterIncludesPort(t *testing.T) {
	client := &fakeELBClient{}
	cfg := &ALBConfig{
		TargetGroupARN: "arn:aws:elasticloadbalancing:eu-west-1:123456789012:targetgroup/router/abc",
		TargetID:       "10.0.1.17",
		Port:           8080,
	}
	s := testALBStrategy(client, cfg)

	if err := s.RegisterAsActive(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	target := client.lastRegister.Targets[0]
	if target.Port == nil || *target.Port != 8080 {
		t.Errorf("expected port 8080 on the target, got %v", target.Port)
	}
}

func TestALBStrategy_DeregisterWaitsForDrain(t *testing.T) {
	client := &fakeELBClient{
		healthStates: []elbtypes.TargetHealthStateEnum{
			elbtypes.TargetHealthStateEnumDraining,
			elbtypes.TargetHealthStateEnumDraining,
			elbtypes.TargetHealthStateEnumUnused,
		},
	}
	s := testALBStrategy(client, nil)

	if err := s.DeregisterFromActive(context.Background()); err != nil {
		t.Fatalf("deregister failed: %v", err)
	}

	if s.Registered() {
		t.Error("strategy should report deregistered")
	}
	_, deregister, health, _ := client.calls()
	if deregister != 1 {
		t.Errorf("expected one deregister call, got %d", deregister)
	}
	if health != 3 {
		t.Errorf("expected three drain polls, got %d", health)
	}
}

func TestALBStrategy_DrainBoundedByDelay(t *testing.T) {
	client := &fakeELBClient{
		healthStates: []elbtypes.TargetHealthStateEnum{elbtypes.TargetHealthStateEnumDraining},
	}
	cfg := &ALBConfig{
		TargetGroupARN:      "arn:aws:elasticloadbalancing:eu-west-1:123456789012:targetgroup/router/abc",
		TargetID:            "i-0123456789abcdef0",
		DeregistrationDelay: 5 * time.Millisecond,
	}
	s := testALBStrategy(client, cfg)

	done := make(chan error, 1)
	go func() { done <- s.DeregisterFromActive(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("deregister failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain wait was not bounded by the deregistration delay")
	}

	if _, _, health, _ := client.calls(); health == 0 {
		t.Error("expected at least one drain poll")
	}
}

func TestALBStrategy_DeregisterFailureSkipsDrain(t *testing.T) {
	client := &fakeELBClient{deregisterErr: errors.New("target group not found")}
	s := testALBStrategy(client, nil)

	if err := s.DeregisterFromActive(context.Background()); err == nil {
		t.Fatal("expected deregister to fail")
	}

	if _, _, health, _ := client.calls(); health != 0 {
		t.Errorf("failed deregister should not poll for drain, got %d polls", health)
	}
}

func TestALBStrategy_LooksUpDeregistrationDelay(t *testing.T) {
	client := &fakeELBClient{
		healthStates: []elbtypes.TargetHealthStateEnum{elbtypes.TargetHealthStateEnumDraining},
		attributes:   map[string]string{deregistrationDelayKey: "0"},
	}
	cfg := &ALBConfig{
		TargetGroupARN: "arn:aws:elasticloadbalancing:eu-west-1:123456789012:targetgroup/router/abc",
		TargetID:       "i-0123456789abcdef0",
	}
	s := testALBStrategy(client, cfg)

	if err := s.DeregisterFromActive(context.Background()); err != nil {
		t.Fatalf("deregister failed: %v", err)
	}

	_, _, health, attribute := client.calls()
	if attribute != 1 {
		t.Errorf("expected the delay to be read from the target group, got %d calls", attribute)
	}
	if health != 1 {
		t.Errorf("a zero delay should stop after the first poll, got %d", health)
	}
}

func TestALBStrategy_DrainStopsOnCancel(t *testing.T) {
	client := &fakeELBClient{
		healthStates: []elbtypes.TargetHealthStateEnum{elbtypes.TargetHealthStateEnumDraining},
	}
	cfg := &ALBConfig{
		TargetGroupARN:      "arn:aws:elasticloadbalancing:eu-west-1:123456789012:targetgroup/router/abc",
		TargetID:            "i-0123456789abcdef0",
		DeregistrationDelay: time.Minute,
	}
	s := testALBStrategy(client, cfg)
	s.drainPollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.DeregisterFromActive(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("deregister failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain wait did not stop on cancellation")
	}
}
