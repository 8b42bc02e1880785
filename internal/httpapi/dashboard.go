package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Job Import History</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar {
      display: flex; gap: 10px; align-items: center; justify-content: space-between;
      background: var(--card); border: 1px solid var(--line); border-radius: 14px; padding: 14px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    button {
      border: 0; border-radius: 10px; padding: 8px 14px; cursor: pointer;
      background: var(--accent); color: #fff; font-weight: 600;
    }
    input { border: 1px solid var(--line); border-radius: 10px; padding: 8px; min-width: 260px; }
    table { width: 100%; border-collapse: collapse; background: var(--card); border-radius: 14px; overflow: hidden; }
    th, td { text-align: left; padding: 8px 10px; border-bottom: 1px solid var(--line); font-size: 0.9rem; }
    th { color: var(--muted); font-weight: 600; }
    tr.fresh { animation: flash 1.2s ease-out; }
    .failed { color: var(--danger); }
    .status { color: var(--muted); font-size: 0.85rem; }
    @keyframes flash { from { background: rgba(31, 157, 136, 0.25); } to { background: transparent; } }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Import history</h1>
      <div>
        <input id="token" placeholder="Bearer token (if required)" />
        <button id="run">Import now</button>
      </div>
    </div>
    <div class="status" id="status">connecting...</div>
    <table>
      <thead>
        <tr><th>Time</th><th>Feed</th><th>Fetched</th><th>Imported</th><th>New</th><th>Updated</th><th>Failed</th></tr>
      </thead>
      <tbody id="rows"></tbody>
    </table>
  </div>
  <script>
    const rows = document.getElementById("rows");
    const status = document.getElementById("status");

    function row(log, fresh) {
      const tr = document.createElement("tr");
      if (fresh) tr.className = "fresh";
      const failed = (log.failedJobs || []).length;
      const cells = [
        new Date(log.timestamp).toLocaleString(), log.fileName, log.totalFetched,
        log.totalImported, log.newJobs, log.updatedJobs, failed,
      ];
      for (const value of cells) {
        const td = document.createElement("td");
        td.textContent = value;
        tr.appendChild(td);
      }
      if (failed > 0) {
        tr.lastChild.className = "failed";
        tr.lastChild.title = log.failedJobs.map((f) => f.jobId + ": " + f.reason).join("\n");
      }
      return tr;
    }

    async function load() {
      const response = await fetch("api/logs?limit=50");
      const logs = await response.json();
      rows.replaceChildren(...logs.map((log) => row(log, false)));
    }

    function live() {
      const scheme = location.protocol === "https:" ? "wss://" : "ws://";
      const base = location.pathname.replace(/dashboard\/?$/, "");
      const socket = new WebSocket(scheme + location.host + base + "api/logs/live");
      socket.onopen = () => { status.textContent = "live"; };
      socket.onmessage = (event) => {
        const message = JSON.parse(event.data);
        if (message.event === "new-log") {
          rows.prepend(row(message.data, true));
        }
      };
      socket.onclose = () => {
        status.textContent = "disconnected, retrying...";
        setTimeout(live, 3000);
      };
    }

    document.getElementById("run").onclick = async () => {
      const headers = {};
      const token = document.getElementById("token").value.trim();
      if (token) headers["Authorization"] = "Bearer " + token;
      const response = await fetch("api/jobs/import", { method: "POST", headers });
      const body = await response.json();
      status.textContent = body.message + " (" + (body.dispatched || 0) + " feeds)";
    };

    load().catch((err) => { status.textContent = "failed to load history: " + err; });
    live();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, getCorrelationID(r), http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
