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
  <title>GridSync Operations</title>
  <style>
    :root {
      --ink: #17212b;
      --paper: #f6f7f4;
      --card: #fffefb;
      --line: #d4d9cd;
      --accent: #2f7d5d;
      --accent-2: #d9822b;
      --danger: #bd4a3c;
      --muted: #6d776f;
      --shadow: 0 16px 32px rgba(23, 33, 43, 0.14);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(1000px 460px at -5% -10%, rgba(217, 130, 43, 0.14), transparent 60%),
        radial-gradient(900px 460px at 110% -10%, rgba(47, 125, 93, 0.16), transparent 65%),
        linear-gradient(140deg, #fbfaf4 0%, #eef4ef 45%, #fffefb 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1180px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar {
      background: linear-gradient(140deg, #fffefc, #f6f4ea);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 {
      margin: 0;
      font-size: clamp(1.2rem, 2vw, 1.7rem);
      letter-spacing: 0.02em;
    }

    .sub {
      margin-top: 6px;
      color: var(--muted);
      font-size: 0.9rem;
    }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.4fr 1fr 0.6fr 0.6fr;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      background: #ffffff;
      color: var(--ink);
      padding: 10px 12px;
      font-size: 0.92rem;
      outline: none;
    }

    .controls input:focus {
      border-color: var(--accent);
      box-shadow: 0 0 0 3px rgba(47, 125, 93, 0.15);
    }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 12px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
    }

    .btn-primary {
      background: linear-gradient(125deg, var(--accent), #3c9a74);
      color: #ffffff;
      box-shadow: 0 10px 18px rgba(47, 125, 93, 0.22);
    }

    .btn-secondary {
      background: linear-gradient(120deg, #efeee4, #e9e7d9);
      color: var(--ink);
      border: 1px solid var(--line);
    }

    .cards {
      display: grid;
      gap: 10px;
      grid-template-columns: repeat(4, minmax(140px, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
      min-height: 80px;
      box-shadow: 0 8px 18px rgba(23, 33, 43, 0.08);
    }

    .label {
      text-transform: uppercase;
      letter-spacing: 0.09em;
      font-size: 0.66rem;
      color: var(--muted);
    }

    .value {
      margin-top: 6px;
      font-size: 1.05rem;
      font-weight: 700;
      word-break: break-word;
    }

    .grid {
      display: grid;
      gap: 12px;
      grid-template-columns: 1fr 1.4fr;
    }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 12px;
      box-shadow: 0 10px 20px rgba(23, 33, 43, 0.08);
      min-height: 240px;
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 0.92rem;
      letter-spacing: 0.06em;
      text-transform: uppercase;
    }

    .feed {
      margin: 0;
      padding: 0;
      list-style: none;
      display: grid;
      gap: 8px;
      max-height: 340px;
      overflow: auto;
    }

    .feed li {
      border: 1px solid #dcdfd2;
      border-left: 5px solid var(--accent);
      border-radius: 10px;
      padding: 9px 10px;
      background: #fdfdf8;
      font-size: 0.85rem;
      line-height: 1.35;
    }

    table {
      width: 100%;
      border-collapse: collapse;
      font-size: 0.82rem;
    }

    th, td {
      text-align: left;
      border-bottom: 1px solid #e5e7da;
      padding: 7px 6px;
      vertical-align: top;
    }

    th {
      color: #5c665e;
      text-transform: uppercase;
      font-size: 0.69rem;
      letter-spacing: 0.08em;
    }

    .ok { color: #1f7a49; }
    .warn { color: #ad6420; }
    .err { color: var(--danger); }

    .status-line {
      margin-top: 10px;
      font-size: 0.84rem;
      color: var(--muted);
      display: flex;
      flex-wrap: wrap;
      gap: 10px;
    }

    .mono {
      font-family: "IBM Plex Mono", "SFMono-Regular", Menlo, Consolas, monospace;
    }

    @media (max-width: 980px) {
      .controls { grid-template-columns: 1fr 1fr; }
      .cards { grid-template-columns: repeat(2, minmax(140px, 1fr)); }
      .grid { grid-template-columns: 1fr; }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>GridSync Operations</h1>
      <div class="sub">Live view over workspaces, sheet rooms, and the recent change feed.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (ADMIN or SUPER_ADMIN)" autocomplete="off" />
        <input id="workspace" type="text" placeholder="workspace id (for change feed)" autocomplete="off" />
        <button id="refresh" class="btn-primary" type="button">Refresh Now</button>
        <button id="toggle" class="btn-secondary" type="button">Pause Auto</button>
      </div>
      <div class="status-line">
        <span>API: <span class="mono" id="apiBase"></span></span>
        <span>Last: <span id="lastUpdated">never</span></span>
        <span id="statusMessage">idle</span>
      </div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Started</div><div id="startedAt" class="value mono">-</div></article>
      <article class="card"><div class="label">Workspaces</div><div id="workspaceCount" class="value">-</div></article>
      <article class="card"><div class="label">Active Rooms</div><div id="roomCount" class="value">-</div></article>
      <article class="card"><div class="label">Live Sessions</div><div id="sessionCount" class="value">-</div></article>
    </section>

    <section class="grid">
      <article class="panel">
        <h2>Rooms</h2>
        <ul id="rooms" class="feed"></ul>
      </article>

      <article class="panel">
        <h2>Recent Changes</h2>
        <table>
          <thead>
            <tr>
              <th>When</th>
              <th>Who</th>
              <th>Cell</th>
              <th>Old</th>
              <th>New</th>
            </tr>
          </thead>
          <tbody id="changeRows"></tbody>
        </table>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const store = { timer: null, intervalMs: 5000, paused: false };

      const dom = {
        token: document.getElementById("token"),
        workspace: document.getElementById("workspace"),
        refresh: document.getElementById("refresh"),
        toggle: document.getElementById("toggle"),
        apiBase: document.getElementById("apiBase"),
        lastUpdated: document.getElementById("lastUpdated"),
        statusMessage: document.getElementById("statusMessage"),
        startedAt: document.getElementById("startedAt"),
        workspaceCount: document.getElementById("workspaceCount"),
        roomCount: document.getElementById("roomCount"),
        sessionCount: document.getElementById("sessionCount"),
        rooms: document.getElementById("rooms"),
        changeRows: document.getElementById("changeRows"),
      };

      function cid(prefix) {
        return prefix + "_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(path) {
        const token = dom.token.value.trim();
        if (!token) {
          throw new Error("missing token");
        }
        const response = await fetch(window.location.origin + path, {
          headers: {
            "Authorization": "Bearer " + token,
            "X-Correlation-Id": cid("dash"),
          },
        });
        const data = await response.json();
        if (!response.ok) {
          throw new Error(response.status + " " + String(data.code || "error") + ": " + String(data.message || ""));
        }
        return data;
      }

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      function renderRooms(roomCounts) {
        dom.rooms.innerHTML = "";
        const names = Object.keys(roomCounts || {}).sort();
        if (names.length === 0) {
          const li = document.createElement("li");
          li.textContent = "No live rooms";
          dom.rooms.appendChild(li);
          return 0;
        }
        let sessions = 0;
        names.forEach((name) => {
          const count = roomCounts[name];
          sessions += count;
          const li = document.createElement("li");
          li.innerHTML = "<span class=\"mono\">" + name + "</span> | sessions=" + count;
          dom.rooms.appendChild(li);
        });
        return sessions;
      }

      function cellRef(change) {
        return "(" + String(change.row) + "," + String(change.col) + ")";
      }

      function renderChanges(changes) {
        dom.changeRows.innerHTML = "";
        if (!Array.isArray(changes) || changes.length === 0) {
          const tr = document.createElement("tr");
          tr.innerHTML = "<td colspan=\"5\">No change data</td>";
          dom.changeRows.appendChild(tr);
          return;
        }
        changes.slice(0, 40).forEach((change) => {
          const tr = document.createElement("tr");
          tr.innerHTML =
            "<td class=\"mono\">" + String(change.changedAt || "-").slice(0, 19) + "</td>" +
            "<td>" + String(change.actorName || change.actorId || "-") + "</td>" +
            "<td class=\"mono\">" + cellRef(change) + "</td>" +
            "<td>" + String(change.oldValue === null ? "(empty)" : change.oldValue) + "</td>" +
            "<td>" + String(change.newValue === null ? "(empty)" : change.newValue) + "</td>";
          dom.changeRows.appendChild(tr);
        });
      }

      async function refresh() {
        setStatus("refreshing...", "warn");
        try {
          const status = await request("/v1/admin/status");
          dom.startedAt.textContent = String(status.startedAt || "-");
          dom.workspaceCount.textContent = String(status.workspaces || 0);
          const roomCounts = status.rooms || {};
          dom.roomCount.textContent = String(Object.keys(roomCounts).length);
          dom.sessionCount.textContent = String(renderRooms(roomCounts));

          const workspace = dom.workspace.value.trim();
          if (workspace) {
            const feed = await request("/v1/workspaces/" + encodeURIComponent(workspace) + "/changes?limit=40");
            renderChanges(feed.changes || []);
          } else {
            renderChanges([]);
          }

          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
          window.localStorage.setItem("gridsync_dashboard_token", dom.token.value.trim());
          window.localStorage.setItem("gridsync_dashboard_workspace", workspace);
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      function ensureTimer() {
        if (store.timer) {
          clearInterval(store.timer);
          store.timer = null;
        }
        if (!store.paused) {
          store.timer = setInterval(refresh, store.intervalMs);
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.toggle.addEventListener("click", function () {
        store.paused = !store.paused;
        dom.toggle.textContent = store.paused ? "Resume Auto" : "Pause Auto";
        ensureTimer();
      });
      dom.token.addEventListener("change", refresh);
      dom.workspace.addEventListener("change", refresh);

      dom.token.value = window.localStorage.getItem("gridsync_dashboard_token") || "";
      dom.workspace.value = window.localStorage.getItem("gridsync_dashboard_workspace") || "";
      dom.apiBase.textContent = window.location.origin;

      ensureTimer();
      if (dom.token.value) {
        refresh();
      } else {
        setStatus("enter token to start", "warn");
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
