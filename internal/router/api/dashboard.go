package api

import "net/http"

// handleDashboard serves the embedded monitoring page. The page is a
// single self-contained document that polls the JSON endpoints, so it
// needs no build step and works from any replica.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>FlowCatalyst Dispatch</title>
    <link rel="icon" type="image/svg+xml" href="data:image/svg+xml,%3Csvg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 32 32'%3E%3Crect width='32' height='32' rx='6' fill='%2347a3f3'/%3E%3Cpath d='M17.5 13V6L8 17h6.5v7L24 13h-6.5z' fill='white' stroke='white' stroke-width='0.5' stroke-linecap='round' stroke-linejoin='round'/%3E%3C/svg%3E">
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-100 min-h-screen">
    <div class="container mx-auto px-4 py-8">
        <div class="mb-8">
            <div class="flex justify-between items-start mb-4">
                <h1 class="text-3xl font-bold text-gray-900">FlowCatalyst Dispatch</h1>
                <span id="roleBadge" class="hidden px-3 py-1 rounded-full text-sm font-medium"></span>
            </div>
            <div class="flex items-center space-x-4">
                <div class="flex items-center">
                    <div id="statusDot" class="w-3 h-3 rounded-full mr-2 bg-gray-400"></div>
                    <span id="statusText" class="text-sm font-medium">Loading...</span>
                </div>
                <span id="uptimeText" class="text-sm text-gray-600"></span>
                <button id="refreshBtn" class="bg-blue-500 hover:bg-blue-600 text-white px-4 py-2 rounded text-sm">Refresh</button>
            </div>
        </div>

        <div class="grid grid-cols-2 md:grid-cols-3 lg:grid-cols-6 gap-4 mb-8">
            <div class="bg-white rounded-lg shadow p-4">
                <p class="text-sm text-gray-500">Processed</p>
                <p id="cardProcessed" class="text-2xl font-bold text-gray-900">-</p>
            </div>
            <div class="bg-white rounded-lg shadow p-4">
                <p class="text-sm text-gray-500">Succeeded</p>
                <p id="cardSucceeded" class="text-2xl font-bold text-green-600">-</p>
            </div>
            <div class="bg-white rounded-lg shadow p-4">
                <p class="text-sm text-gray-500">Failed</p>
                <p id="cardFailed" class="text-2xl font-bold text-red-600">-</p>
            </div>
            <div class="bg-white rounded-lg shadow p-4">
                <p class="text-sm text-gray-500">Success Rate</p>
                <p id="cardSuccessRate" class="text-2xl font-bold text-gray-900">-</p>
            </div>
            <div class="bg-white rounded-lg shadow p-4">
                <p class="text-sm text-gray-500">Queue Depth</p>
                <p id="cardQueueDepth" class="text-2xl font-bold text-gray-900">-</p>
            </div>
            <div class="bg-white rounded-lg shadow p-4">
                <p class="text-sm text-gray-500">Throughput /min</p>
                <p id="cardThroughput" class="text-2xl font-bold text-gray-900">-</p>
            </div>
        </div>

        <div id="warningsBanner" class="hidden mb-8"></div>

        <div class="bg-white rounded-lg shadow mb-8">
            <div class="px-6 py-4 border-b border-gray-200 flex justify-between items-center">
                <h2 class="text-lg font-semibold text-gray-900">Processing Pools</h2>
                <span id="poolCount" class="text-sm text-gray-500"></span>
            </div>
            <div class="overflow-x-auto">
                <table class="min-w-full divide-y divide-gray-200">
                    <thead class="bg-gray-50">
                        <tr>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Pool</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Workers</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Queue</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Groups</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Processed</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Rate Limited</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Success</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Avg ms</th>
                        </tr>
                    </thead>
                    <tbody id="poolsBody" class="divide-y divide-gray-200"></tbody>
                </table>
            </div>
        </div>

        <div class="grid grid-cols-1 lg:grid-cols-2 gap-8 mb-8">
            <div class="bg-white rounded-lg shadow">
                <div class="px-6 py-4 border-b border-gray-200">
                    <h2 class="text-lg font-semibold text-gray-900">Queues</h2>
                </div>
                <div class="overflow-x-auto">
                    <table class="min-w-full divide-y divide-gray-200">
                        <thead class="bg-gray-50">
                            <tr>
                                <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Queue</th>
                                <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Consumed</th>
                                <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Depth</th>
                                <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Success</th>
                            </tr>
                        </thead>
                        <tbody id="queuesBody" class="divide-y divide-gray-200"></tbody>
                    </table>
                </div>
            </div>
            <div class="bg-white rounded-lg shadow">
                <div class="px-6 py-4 border-b border-gray-200">
                    <h2 class="text-lg font-semibold text-gray-900">Circuit Breakers</h2>
                </div>
                <div class="overflow-x-auto">
                    <table class="min-w-full divide-y divide-gray-200">
                        <thead class="bg-gray-50">
                            <tr>
                                <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Pool</th>
                                <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Host</th>
                                <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">State</th>
                            </tr>
                        </thead>
                        <tbody id="breakersBody" class="divide-y divide-gray-200"></tbody>
                    </table>
                </div>
            </div>
        </div>

        <div class="bg-white rounded-lg shadow mb-8">
            <div class="px-6 py-4 border-b border-gray-200 flex justify-between items-center">
                <h2 class="text-lg font-semibold text-gray-900">In-Flight Messages</h2>
                <span id="inFlightCount" class="text-sm text-gray-500"></span>
            </div>
            <div class="overflow-x-auto">
                <table class="min-w-full divide-y divide-gray-200">
                    <thead class="bg-gray-50">
                        <tr>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Message</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Pool</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Group</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Target</th>
                            <th class="px-6 py-3 text-left text-xs font-medium text-gray-500 uppercase">Age</th>
                        </tr>
                    </thead>
                    <tbody id="inFlightBody" class="divide-y divide-gray-200"></tbody>
                </table>
            </div>
        </div>

        <div class="bg-white rounded-lg shadow">
            <div class="px-6 py-4 border-b border-gray-200 flex justify-between items-center">
                <h2 class="text-lg font-semibold text-gray-900">Warnings</h2>
                <span id="warningCount" class="text-sm text-gray-500"></span>
            </div>
            <div id="warningsBody" class="divide-y divide-gray-200"></div>
        </div>
    </div>

    <script>
        const severityColors = {
            CRITICAL: 'bg-red-100 text-red-800',
            ERROR: 'bg-orange-100 text-orange-800',
            WARN: 'bg-yellow-100 text-yellow-800',
            INFO: 'bg-blue-100 text-blue-800'
        };
        const breakerColors = {
            CLOSED: 'bg-green-100 text-green-800',
            OPEN: 'bg-red-100 text-red-800',
            HALF_OPEN: 'bg-yellow-100 text-yellow-800'
        };

        function esc(v) {
            return String(v ?? '').replace(/[&<>"']/g, c => ({
                '&': '&amp;', '<': '&lt;', '>': '&gt;', '"': '&quot;', "'": '&#39;'
            })[c]);
        }

        function fmtUptime(seconds) {
            if (!seconds && seconds !== 0) return '';
            const d = Math.floor(seconds / 86400);
            const h = Math.floor((seconds % 86400) / 3600);
            const m = Math.floor((seconds % 3600) / 60);
            if (d > 0) return 'up ' + d + 'd ' + h + 'h';
            if (h > 0) return 'up ' + h + 'h ' + m + 'm';
            return 'up ' + m + 'm';
        }

        function pct(v) {
            return (v ?? 0).toFixed(1) + '%';
        }

        async function fetchJSON(url) {
            const resp = await fetch(url);
            if (!resp.ok && resp.status !== 503) throw new Error(url + ': ' + resp.status);
            return resp.json();
        }

        function renderHealth(health) {
            const dot = document.getElementById('statusDot');
            const text = document.getElementById('statusText');
            const colors = { HEALTHY: 'bg-green-500', DEGRADED: 'bg-yellow-500', UNHEALTHY: 'bg-red-500' };
            dot.className = 'w-3 h-3 rounded-full mr-2 ' + (colors[health.status] || 'bg-gray-400');
            text.textContent = health.status || 'UNKNOWN';
            document.getElementById('uptimeText').textContent = fmtUptime(health.uptimeSeconds);
            document.getElementById('cardProcessed').textContent = health.totalMessagesProcessed ?? 0;
            document.getElementById('cardSucceeded').textContent = health.totalMessagesSucceeded ?? 0;
            document.getElementById('cardFailed').textContent = health.totalMessagesFailed ?? 0;
            document.getElementById('cardSuccessRate').textContent = pct(health.overallSuccessRate);
            document.getElementById('cardQueueDepth').textContent = health.currentQueueDepth ?? 0;
            document.getElementById('cardThroughput').textContent = (health.throughput ?? 0).toFixed(1);
        }

        function renderStandby(status) {
            const badge = document.getElementById('roleBadge');
            if (!status || !status.enabled) {
                badge.classList.add('hidden');
                return;
            }
            badge.classList.remove('hidden');
            if (status.role === 'PRIMARY') {
                badge.className = 'px-3 py-1 rounded-full text-sm font-medium bg-green-100 text-green-800';
                badge.textContent = 'PRIMARY · ' + status.instanceId;
            } else {
                badge.className = 'px-3 py-1 rounded-full text-sm font-medium bg-gray-200 text-gray-700';
                badge.textContent = status.role + ' · ' + status.instanceId;
            }
        }

        function renderPools(stats) {
            const rows = Object.values(stats || {}).sort((a, b) => a.poolCode.localeCompare(b.poolCode));
            document.getElementById('poolCount').textContent = rows.length + ' pools';
            document.getElementById('poolsBody').innerHTML = rows.map(p =>
                '<tr>' +
                '<td class="px-6 py-3 text-sm font-medium text-gray-900">' + esc(p.poolCode) + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + p.activeWorkers + ' / ' + p.maxConcurrency + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + p.queueSize + ' / ' + p.maxQueueCapacity + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + p.messageGroupCount + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + p.totalProcessed + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + p.totalRateLimited + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + pct(p.successRate) + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + (p.averageProcessingTimeMs ?? 0).toFixed(0) + '</td>' +
                '</tr>'
            ).join('') || '<tr><td colspan="8" class="px-6 py-4 text-sm text-gray-500">No active pools</td></tr>';
        }

        function renderQueues(stats) {
            const rows = Object.values(stats || {}).sort((a, b) => a.name.localeCompare(b.name));
            document.getElementById('queuesBody').innerHTML = rows.map(q =>
                '<tr>' +
                '<td class="px-6 py-3 text-sm font-medium text-gray-900">' + esc(q.name) + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + q.totalConsumed + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + q.currentDepth + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + pct(q.successRate) + '</td>' +
                '</tr>'
            ).join('') || '<tr><td colspan="4" class="px-6 py-4 text-sm text-gray-500">No queues</td></tr>';
        }

        function renderBreakers(data) {
            const rows = data.breakers || [];
            document.getElementById('breakersBody').innerHTML = rows.map(b =>
                '<tr>' +
                '<td class="px-6 py-3 text-sm font-medium text-gray-900">' + esc(b.pool) + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + esc(b.host) + '</td>' +
                '<td class="px-6 py-3 text-sm"><span class="px-2 py-1 rounded-full text-xs font-medium ' +
                    (breakerColors[b.state] || 'bg-gray-100 text-gray-800') + '">' + esc(b.state) + '</span></td>' +
                '</tr>'
            ).join('') || '<tr><td colspan="3" class="px-6 py-4 text-sm text-gray-500">No circuit breakers</td></tr>';
        }

        function renderInFlight(data) {
            const rows = data.messages || [];
            document.getElementById('inFlightCount').textContent = data.total + ' in flight';
            document.getElementById('inFlightBody').innerHTML = rows.map(m =>
                '<tr>' +
                '<td class="px-6 py-3 text-sm font-mono text-gray-900">' + esc(m.messageId) + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + esc(m.poolCode) + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + esc(m.messageGroupId) + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600 truncate max-w-xs">' + esc(m.mediationTarget) + '</td>' +
                '<td class="px-6 py-3 text-sm text-gray-600">' + m.ageSeconds + 's</td>' +
                '</tr>'
            ).join('') || '<tr><td colspan="5" class="px-6 py-4 text-sm text-gray-500">Nothing in flight</td></tr>';
        }

        function renderWarnings(warnings) {
            const unacked = (warnings || []).filter(w => !w.acknowledged);
            document.getElementById('warningCount').textContent = unacked.length + ' unacknowledged';
            document.getElementById('warningsBody').innerHTML = (warnings || []).slice(0, 50).map(w =>
                '<div class="px-6 py-4 flex items-start justify-between' + (w.acknowledged ? ' opacity-50' : '') + '">' +
                '<div>' +
                '<span class="px-2 py-1 rounded-full text-xs font-medium mr-2 ' +
                    (severityColors[w.severity] || 'bg-gray-100 text-gray-800') + '">' + esc(w.severity) + '</span>' +
                '<span class="text-xs text-gray-500 mr-2">' + esc(w.category) + '</span>' +
                '<span class="text-sm text-gray-900">' + esc(w.message) + '</span>' +
                '<p class="text-xs text-gray-400 mt-1">' + esc(w.source) + ' · ' + new Date(w.timestamp).toLocaleString() + '</p>' +
                '</div>' +
                (w.acknowledged ? '' :
                    '<button onclick="acknowledge(\'' + esc(w.id) + '\')" class="text-xs text-blue-600 hover:text-blue-800 whitespace-nowrap ml-4">Acknowledge</button>') +
                '</div>'
            ).join('') || '<div class="px-6 py-4 text-sm text-gray-500">No warnings</div>';
        }

        async function acknowledge(id) {
            await fetch('/api/router/warnings/' + id + '/ack', { method: 'POST' });
            refresh();
        }

        async function refresh() {
            try {
                const [health, pools, queues, breakers, inflight, warnings, standby] = await Promise.all([
                    fetchJSON('/health'),
                    fetchJSON('/api/router/stats'),
                    fetchJSON('/api/router/queues'),
                    fetchJSON('/api/router/circuit-breakers'),
                    fetchJSON('/api/router/inflight?limit=25'),
                    fetchJSON('/api/router/warnings'),
                    fetchJSON('/api/router/standby')
                ]);
                renderHealth(health);
                renderPools(pools);
                renderQueues(queues);
                renderBreakers(breakers);
                renderInFlight(inflight);
                renderWarnings(warnings);
                renderStandby(standby);
            } catch (err) {
                document.getElementById('statusText').textContent = 'Unreachable';
                document.getElementById('statusDot').className = 'w-3 h-3 rounded-full mr-2 bg-gray-400';
            }
        }

        document.getElementById('refreshBtn').addEventListener('click', refresh);
        refresh();
        setInterval(refresh, 5000);
    </script>
</body>
</html>`
