package server

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Pitch Keypoint Annotator</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin:0; font-family:sans-serif; background:#1e1e1e; color:#ddd; }
        .app { display:grid; grid-template-columns: 1fr 560px; gap:12px; padding:12px; }
        .panel { background:#2a2a2a; border-radius:6px; padding:10px; }
        #frame { max-width:100%; cursor:crosshair; display:block; }
        #keypoints { height:300px; overflow-y:auto; font-size:13px; }
        .kp { padding:2px 6px; cursor:pointer; }
        .kp.active { background:#444; }
        .swatch { display:inline-block; width:10px; height:10px; margin-right:6px; }
        .bar { display:flex; gap:8px; align-items:center; margin-bottom:8px; }
        #status { font-size:12px; color:#8c8; }
    </style>
</head>
<body>
<div class="app">
    <div class="panel">
        <div class="bar">
            <button id="prev">&larr; Prev</button>
            <button id="next">Next &rarr;</button>
            <button id="propagate">Propagate from previous</button>
            <button id="save">Save</button>
            <span id="frame-id"></span>
        </div>
        <img id="frame" alt="frame">
        <div id="status">Loading...</div>
    </div>
    <div class="panel">
        <img id="pitch" alt="pitch reference" style="width:100%">
        <div id="keypoints"></div>
        <p style="font-size:12px">Click to place the selected keypoint. Type its number to select it,
        Delete to mark it not visible, n / p to move between frames.</p>
    </div>
</div>
<script>
let frames = [], keypoints = [], idx = 0, selected = null, typed = "", typedTimer = null, autoAdvance = false;
const $ = (id) => document.getElementById(id);

async function api(method, path, body) {
    const resp = await fetch(path, {method, headers:{"Content-Type":"application/json"},
        body: body ? JSON.stringify(body) : undefined});
    const data = await resp.json().catch(() => ({}));
    if (!resp.ok) throw new Error(data.error || resp.statusText);
    return data;
}

function current() { return frames[idx] && frames[idx].id; }

function redraw() {
    const id = current();
    if (!id) { $("status").textContent = "No frames found"; return; }
    $("frame-id").textContent = id + " (" + (idx + 1) + "/" + frames.length + ")";
    const sel = selected ? "&selected=" + encodeURIComponent(selected.name) : "";
    $("frame").src = "/api/frames/" + encodeURIComponent(id) + "/overlay?labels=1" + sel + "&t=" + Date.now();
    $("pitch").src = "/api/pitch.png?highlight=" + (selected ? selected.number : 0);
    document.querySelectorAll(".kp").forEach((el) => {
        el.classList.toggle("active", selected && el.dataset.name === selected.name);
    });
}

function select(kp) { selected = kp; redraw(); }

async function go(delta, advance) {
    const from = current();
    const next = idx + delta;
    if (next < 0 || next >= frames.length) return;
    idx = next;
    if (advance && autoAdvance && delta === 1) {
        try {
            const res = await api("POST", "/api/propagate", {source: from, target: current(), mode: "advance"});
            $("status").textContent = res.skipped ? "Kept hand-edited frame" :
                "Propagated: " + res.tracked + " tracked, " + res.lost + " lost";
        } catch (e) { $("status").textContent = e.message; }
    }
    redraw();
}

$("frame").addEventListener("click", async (ev) => {
    if (!selected) { $("status").textContent = "Select a keypoint first"; return; }
    const img = ev.target;
    const x = ev.offsetX * img.naturalWidth / img.clientWidth;
    const y = ev.offsetY * img.naturalHeight / img.clientHeight;
    try {
        await api("PUT", "/api/annotations/" + encodeURIComponent(current()) + "/" + selected.name, {x, y});
        $("status").textContent = selected.name + " set";
    } catch (e) { $("status").textContent = e.message; }
    redraw();
});

document.addEventListener("keydown", async (ev) => {
    if (ev.key >= "0" && ev.key <= "9") {
        typed += ev.key;
        clearTimeout(typedTimer);
        typedTimer = setTimeout(() => {
            const kp = keypoints.find((k) => k.number === parseInt(typed, 10));
            if (kp) select(kp);
            typed = "";
        }, 400);
    } else if (ev.key === "Delete" && selected) {
        await api("DELETE", "/api/annotations/" + encodeURIComponent(current()) + "/" + selected.name).catch((e) => {
            $("status").textContent = e.message;
        });
        redraw();
    } else if (ev.key === "n") {
        go(1, true);
    } else if (ev.key === "p") {
        go(-1, false);
    }
});

$("next").onclick = () => go(1, true);
$("prev").onclick = () => go(-1, false);
$("propagate").onclick = async () => {
    if (idx === 0) return;
    try {
        const res = await api("POST", "/api/propagate", {source: frames[idx - 1].id, target: current(), mode: "explicit"});
        $("status").textContent = "Propagated: " + res.tracked + " tracked, " + res.lost + " lost";
    } catch (e) { $("status").textContent = e.message; }
    redraw();
};
$("save").onclick = async () => {
    try {
        const res = await api("POST", "/api/session/save", {});
        $("status").textContent = "Saved " + res.frames + " frames to " + res.path;
    } catch (e) { $("status").textContent = e.message; }
};

(async () => {
    const kp = await api("GET", "/api/keypoints");
    keypoints = kp.keypoints;
    $("keypoints").innerHTML = keypoints.map((k) =>
        '<div class="kp" data-name="' + k.name + '"><span class="swatch" style="background:' + k.hex + '"></span>' +
        k.number + ". " + k.name + "</div>").join("");
    document.querySelectorAll(".kp").forEach((el) => {
        el.onclick = () => select(keypoints.find((k) => k.name === el.dataset.name));
    });
    frames = (await api("GET", "/api/frames")).frames;
    autoAdvance = (await api("GET", "/api/status")).auto_advance === true;
    redraw();
    const es = new EventSource("/api/events");
    es.onmessage = (msg) => {
        const ev = JSON.parse(msg.data);
        if (ev.frame && ev.frame === current() && ev.type !== "status") redraw();
    };
})();
</script>
</body>
</html>
`
