// Package dashboard serves the traceproof web UI and REST API.
//
// The dashboard is mounted on /dashboard and /api/ in serve mode. It
// provides:
//
//   - Web UI:     GET /dashboard          — Single-page HTML dashboard
//   - WebSocket:  GET /dashboard/ws       — Live entry feed
//   - REST API:   GET  /api/status        — Chain and store status
//                 GET  /api/entries       — Query audit entries
//                 GET  /api/verify        — Full chain verification
//                 POST /api/sweep         — Sweep expired evidence now
//
// The web UI is a minimal embedded HTML page (no build step, no
// framework): status cards, a queryable entry table, and a live feed.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/traceproof/traceproof/internal/audit"
	"github.com/traceproof/traceproof/internal/evidence"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Log      *audit.Logger
	Evidence *evidence.Store
}

// Dashboard serves the web UI and REST API.
// Implements http.Handler for the dashboard UI routes.
type Dashboard struct {
	log      *audit.Logger
	evidence *evidence.Store
	feed     *liveFeed
	started  time.Time
}

// New creates a Dashboard with the given dependencies.
func New(opts Options) *Dashboard {
	return &Dashboard{
		log:      opts.Log,
		evidence: opts.Evidence,
		feed:     newLiveFeed(),
		started:  time.Now(),
	}
}

// ServeHTTP handles requests to /dashboard and /dashboard/.
// Serves a minimal embedded HTML dashboard.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns an http.Handler for the /dashboard/ws endpoint.
// Clients connect here to receive each entry as it is appended.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(d.feed.handle)
}

// APIHandler returns an http.Handler for the REST endpoints.
func (d *Dashboard) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/entries", d.handleAPIEntries)
	mux.HandleFunc("/api/verify", d.handleAPIVerify)
	mux.HandleFunc("/api/sweep", d.handleAPISweep)

	return mux
}

// BroadcastEntry sends an audit entry to all connected WebSocket clients.
// Wired to audit.Logger.OnAppend in serve mode. Non-blocking — if no
// clients are connected, the entry is dropped.
func (d *Dashboard) BroadcastEntry(e audit.Entry) {
	d.feed.publish(e)
}

// --- REST API Handlers ---

// handleAPIStatus returns chain and store status.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]any{
		"status":         "running",
		"entries":        d.log.Count(),
		"uptime_seconds": int(time.Since(d.started).Seconds()),
	}

	writeJSON(w, http.StatusOK, status)
}

// handleAPIEntries returns audit entries matching the query filters.
// GET /api/entries?limit=50&trace_id=...&method=chat*&status=200&since=1h
func (d *Dashboard) handleAPIEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit := 50
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	status := 0
	if s := q.Get("status"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil {
			status = parsed
		}
	}

	params := audit.QueryParams{
		TraceID: q.Get("trace_id"),
		Method:  q.Get("method"),
		Status:  status,
		Since:   q.Get("since"),
		Limit:   limit,
	}

	entries, err := d.log.Query(params)
	if err != nil {
		slog.Error("entry query failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleAPIVerify walks the whole chain and reports the result.
// GET /api/verify
func (d *Dashboard) handleAPIVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	res, err := d.log.VerifyChain()
	if err != nil {
		slog.Error("chain verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleAPISweep removes expired evidence immediately.
// POST /api/sweep
func (d *Dashboard) handleAPISweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	removed, err := d.evidence.SweepExpired(time.Now())
	if err != nil {
		slog.Error("sweep via API failed", "error", err)
		http.Error(w, "sweep failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "swept", "removed": removed})
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// dashboardHTML is the embedded single-page UI: status cards, a recent
// entry table, and a live feed fed by the WebSocket.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>traceproof</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .hash { font-family: monospace; font-size: 11px; color: #8b949e; }
  .ok { color: #3fb950; }
  .bad { color: #f85149; font-weight: bold; }
  .status-2xx { color: #3fb950; }
  .status-4xx { color: #d29922; }
  .status-5xx { color: #f85149; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; }
  .btn:hover { background: #30363d; }
</style>
</head>
<body>
<h1>traceproof</h1>
<p class="subtitle">Tamper-evident audit trail for AI interactions</p>

<div class="grid">
  <div class="card">
    <h2>Status</h2>
    <table>
      <tbody>
        <tr><td>Entries</td><td id="stat-entries">-</td></tr>
        <tr><td>Uptime</td><td id="stat-uptime">-</td></tr>
        <tr><td>Chain</td><td id="stat-chain">-</td></tr>
      </tbody>
    </table>
    <p style="margin-top:12px">
      <button class="btn" onclick="verifyChain()">Verify chain</button>
      <button class="btn" onclick="sweepNow()">Sweep expired evidence</button>
    </p>
  </div>
  <div class="card">
    <h2>Recent Entries</h2>
    <table>
      <thead><tr><th>Time</th><th>Method</th><th>Status</th><th>Log hash</th></tr></thead>
      <tbody id="entries-tbody"><tr><td colspan="4">Loading...</td></tr></tbody>
    </table>
  </div>
</div>

<div class="card">
  <h2>Live Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
function statusClass(code) {
  if (code >= 500) return 'status-5xx';
  if (code >= 400) return 'status-4xx';
  return 'status-2xx';
}
function feedLine(e) {
  return '[' + esc(e.timestamp) + '] ' + esc(e.request.method) +
    ' <span class="' + statusClass(e.response.status) + '">' + e.response.status + '</span>' +
    ' <span class="hash">' + esc(e.integrity.log_hash.slice(0, 12)) + '…</span>';
}
async function refresh() {
  try {
    const [statusRes, entriesRes] = await Promise.all([
      fetch('/api/status'), fetch('/api/entries?limit=20')
    ]);
    const status = await statusRes.json();
    const entries = await entriesRes.json();
    document.getElementById('stat-entries').textContent = status.entries;
    document.getElementById('stat-uptime').textContent = status.uptime_seconds + 's';
    renderEntries(entries);
  } catch(e) { console.error('refresh failed:', e); }
}

function renderEntries(entries) {
  const tbody = document.getElementById('entries-tbody');
  if (!entries || entries.length === 0) { tbody.innerHTML = '<tr><td colspan="4">No entries yet</td></tr>'; return; }
  tbody.innerHTML = entries.slice().reverse().map(e =>
    '<tr><td>' + esc(e.timestamp) + '</td><td>' + esc(e.request.method) +
    '</td><td class="' + statusClass(e.response.status) + '">' + e.response.status +
    '</td><td class="hash">' + esc(e.integrity.log_hash.slice(0, 16)) + '…</td></tr>'
  ).join('');
}

async function verifyChain() {
  const res = await fetch('/api/verify');
  const out = await res.json();
  const el = document.getElementById('stat-chain');
  if (out.valid) {
    el.innerHTML = '<span class="ok">valid (' + out.entries_checked + ' entries)</span>';
  } else {
    el.innerHTML = '<span class="bad">BROKEN at ' + out.broken_at + ': ' + esc(out.reason) + '</span>';
  }
}

async function sweepNow() {
  await fetch('/api/sweep', { method: 'POST' });
  refresh();
}

// WebSocket for the live feed.
function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const entry = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.innerHTML = feedLine(entry);
      feed.insertBefore(div, feed.firstChild);
      // Keep feed under 100 entries.
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
verifyChain();
</script>
</body>
</html>`
