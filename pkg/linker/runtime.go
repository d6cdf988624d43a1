package linker

import (
	"encoding/json"
	"strings"
)

// runtime is embedded at the top of every entry chunk. Chunks push
// [chunkId, {moduleId: [requires, imports, factory]}] onto globalThis.__bld;
// the runtime drains that queue and takes over push.
//
// Files move registered -> loading -> loaded | failed. A failed file is
// loaded again on the next request.
const runtime = `(function (global) {
  var manifest = __BLD_MANIFEST__;
  var publicPath = __BLD_PUBLIC_PATH__;
  var target = __BLD_TARGET__;
  var hotURL = __BLD_HOT__;
  if (global.__bld_runtime__) {
    global.__bld_runtime__.extend(manifest);
    return;
  }
  var nodeRequire = typeof require === "function" ? require : null;
  var nodeDir = typeof __dirname === "string" ? __dirname : ".";

  var factories = {};
  var cache = {};
  var files = {};
  var hot = {};
  // Modules replaced by a hot update. A chunk file from an older build must
  // not bring back their previous factories.
  var updated = {};

  function register(chunk) {
    var mods = chunk[1];
    for (var id in mods) {
      if (Object.prototype.hasOwnProperty.call(mods, id) && !updated[id]) factories[id] = mods[id];
    }
  }

  function extend(m) {
    for (var g in m) manifest[g] = m[g];
  }

  function loadFile(file) {
    if (target === "node") {
      return new Promise(function (resolve) {
        if (!/\.css$/.test(file)) nodeRequire(nodeDir + "/" + file);
        resolve();
      });
    }
    if (target === "webworker") {
      return new Promise(function (resolve) {
        if (!/\.css$/.test(file)) importScripts(publicPath + file);
        resolve();
      });
    }
    return new Promise(function (resolve, reject) {
      var el;
      if (/\.css$/.test(file)) {
        el = document.createElement("link");
        el.rel = "stylesheet";
        el.href = publicPath + file;
      } else {
        el = document.createElement("script");
        el.src = publicPath + file;
        el.async = true;
      }
      el.onload = function () { resolve(); };
      el.onerror = function () {
        if (el.parentNode) el.parentNode.removeChild(el);
        reject(new Error("bld: failed to load " + file));
      };
      document.head.appendChild(el);
    });
  }

  function load(file) {
    var f = files[file];
    if (f && f.state !== "failed") return f.promise;
    f = files[file] = { state: "loading" };
    f.promise = loadFile(file).then(function () {
      f.state = "loaded";
    }, function (err) {
      f.state = "failed";
      f.error = err;
      throw err;
    });
    return f.promise;
  }

  function ensure(group) {
    var list = manifest[group];
    if (!list) return Promise.reject(new Error("bld: unknown chunk group " + group));
    return Promise.all(list.map(load));
  }

  function hotFor(id) {
    var h = hot[id] = hot[id] || { accepted: {}, self: false, declined: false, dispose: [], data: {} };
    return {
      data: h.data,
      accept: function (deps, cb) {
        if (deps === undefined || typeof deps === "function") {
          h.self = true;
          h.selfCallback = deps;
          return;
        }
        if (typeof deps === "string") deps = [deps];
        deps.forEach(function (d) {
          var t = factories[id][0][d];
          if (t) h.accepted[t] = cb || function () {};
        });
      },
      decline: function () { h.declined = true; },
      dispose: function (cb) { h.dispose.push(cb); }
    };
  }

  function execute(module) {
    var def = factories[module.id];
    def[2].call(module.exports, module, module.exports, localRequire(module.id), localImport(module.id));
  }

  function __require(id, parent) {
    var module = cache[id];
    if (module) {
      if (parent && module.parents.indexOf(parent) < 0) module.parents.push(parent);
      return module.exports;
    }
    if (!factories[id]) throw new Error("bld: module " + id + " is not loaded");
    module = cache[id] = { id: id, exports: {}, parents: parent ? [parent] : [], hot: hotFor(id) };
    try {
      execute(module);
    } catch (e) {
      delete cache[id];
      throw e;
    }
    return module.exports;
  }

  var base = typeof document !== "undefined" ? document.baseURI
    : typeof location !== "undefined" ? location.href
    : "file://" + nodeDir + "/";

  // A second argument resolves the exports of an asset module to a URL.
  function localRequire(id) {
    var fn = function (request, b) {
      var t = factories[id][0][request];
      if (t === null) return {};
      if (t === undefined) throw new Error("bld: cannot find module '" + request + "' from " + id);
      var exports = __require(t, id);
      return b === undefined ? exports : new URL(exports, b);
    };
    fn.p = publicPath;
    fn.b = base;
    fn.resolveWeak = function (request) { return factories[id][0][request]; };
    return fn;
  }

  function localImport(id) {
    return function (request) {
      var dep = factories[id][1][request];
      if (!dep) return Promise.reject(new Error("bld: no chunk group for '" + request + "' from " + id));
      return ensure(dep[0]).then(function () { return __require(dep[1], id); });
    };
  }

  function reload() {
    if (typeof location !== "undefined") location.reload();
    return { reload: true };
  }

  // apply swaps the factories of an update and re-executes the affected
  // modules up to the nearest accepting boundary.
  function apply(update) {
    if (update.fullReload) return reload();
    if (update.manifest) extend(update.manifest);
    var changed = (update.modules || []).map(function (m) { return m.id; });
    var outdated = [], callbacks = [], seen = {};
    for (var i = 0; i < changed.length; i++) {
      var queue = [changed[i]];
      while (queue.length) {
        var id = queue.pop();
        if (seen[id]) continue;
        seen[id] = true;
        var module = cache[id];
        if (!module) continue;
        var h = hot[id];
        if (h && h.declined) return reload();
        outdated.push(id);
        if (h && h.self) {
          if (h.selfCallback) callbacks.push(h.selfCallback);
          continue;
        }
        if (!module.parents.length) return reload();
        for (var j = 0; j < module.parents.length; j++) {
          var p = module.parents[j], ph = hot[p];
          if (ph && ph.accepted[id]) callbacks.push(ph.accepted[id]);
          else queue.push(p);
        }
      }
    }

    (update.modules || []).forEach(function (m) {
      var fn = new Function("module", "exports", "require", "__imp_", m.code + "\n//# sourceURL=" + m.identity);
      factories[m.id] = [m.requests || {}, m.imports || {}, fn];
      updated[m.id] = true;
    });
    (update.removed || []).forEach(function (id) {
      delete updated[id];
      delete factories[id];
      delete cache[id];
    });

    for (var k = outdated.length - 1; k >= 0; k--) {
      var mod = cache[outdated[k]], st = hot[outdated[k]];
      if (!mod) continue;
      if (st) {
        st.dispose.forEach(function (cb) { cb(st.data); });
        st.dispose = [];
      }
      execute(mod);
    }
    callbacks.forEach(function (cb) { cb(); });
    return { reload: false, modules: outdated };
  }

  var queue = global.__bld = global.__bld || [];
  queue.forEach(register);
  queue.push = function (chunk) { register(chunk); return Array.prototype.push.call(queue, chunk); };

  global.__bld_runtime__ = {
    extend: extend,
    ensure: ensure,
    require: __require,
    apply: apply,
    start: function (group, root) {
      return ensure(group).then(function () { return __require(root); });
    }
  };

  if (hotURL && typeof WebSocket !== "undefined") {
    var ws = new WebSocket(hotURL);
    ws.onmessage = function (ev) { apply(JSON.parse(ev.data)); };
  }
})(typeof globalThis !== "undefined" ? globalThis : this);
`

type runtimeOptions struct {
	Manifest   map[string][]string
	PublicPath string
	Target     string
	HotURL     string
}

func renderRuntime(o runtimeOptions) (string, error) {
	manifest, err := json.Marshal(o.Manifest)
	if err != nil {
		return "", err
	}
	quote := func(s string) string {
		b, _ := json.Marshal(s)
		return string(b)
	}
	hotURL := "null"
	if o.HotURL != "" {
		hotURL = quote(o.HotURL)
	}
	r := strings.NewReplacer(
		"__BLD_MANIFEST__", string(manifest),
		"__BLD_PUBLIC_PATH__", quote(o.PublicPath),
		"__BLD_TARGET__", quote(o.Target),
		"__BLD_HOT__", hotURL,
	)
	return r.Replace(runtime), nil
}
