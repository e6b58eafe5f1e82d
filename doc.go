// Package apisec provides an intercepting HTTP/HTTPS proxy for API security
// testing. It terminates TLS inside CONNECT tunnels with host certificates
// signed by a local root CA, lets an analyst hold and rewrite requests and
// responses, scans every transaction for secrets and personal data, and
// keeps an inventory of the API endpoints it has seen.
//
// # Architecture
//
// An Engine ties five parts together:
//
//   - CertAuthority loads or generates the root and issues cached leaf
//     certificates per host.
//   - Proxy accepts client connections, serves plain HTTP proxy requests,
//     terminates CONNECT tunnels and relays WebSocket upgrades.
//   - Controller decides whether a request or response is held and owns the
//     queue of HeldItems awaiting an Action.
//   - FindingEngine matches built-in and custom Signatures against request
//     and response headers and decoded bodies.
//   - Recorder assigns transactions to Assets, runs the FindingEngine off the
//     proxy path and publishes results on the EventBus.
//
// # Basic Engine
//
//	cfg := apisec.DefaultConfig()
//	engine, err := apisec.NewEngine(ctx, cfg, apisec.EngineOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close(context.Background())
//
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// The root certificate is created at ca.cert_path on first start. Install
// the output of ExportRootCertificate in the client's trust store.
//
// # Interception
//
// Turn on holding and resolve items as they arrive:
//
//	engine.SetInterceptionConfig(apisec.InterceptionConfig{
//	    CaptureBody:       true,
//	    InterceptRequests: true,
//	})
//
//	sub := engine.Subscribe(0)
//	defer sub.Close()
//	for ev := range sub.Events() {
//	    if ev.Kind != apisec.EventHeld {
//	        continue
//	    }
//	    action := apisec.ModifyRequestAction("", "", nil, []byte(`{"a":2}`))
//	    if err := engine.ResolveHeldItem(ev.Held.ID, action); err != nil {
//	        log.Print(err)
//	    }
//	}
//
// Zero-valued fields of a modify Action leave that part of the message
// unchanged. Stopping the engine drops every held item.
//
// # Signatures
//
// Custom signatures are regular expressions evaluated with RE2 semantics:
//
//	err := engine.AddSignature(ctx, apisec.Signature{
//	    ID:       "stripe-live",
//	    Name:     "Stripe live key",
//	    Pattern:  `sk_live_[0-9a-zA-Z]{24}`,
//	    Severity: apisec.SeverityHigh,
//	    Enabled:  true,
//	})
//
// Signatures can also come from YAML packs, CSV files and HTTP endpoints,
// combined with NewMultiLoader and kept fresh by a SignatureReloader. With
// store.path set, custom signatures added at runtime persist in SQLite.
//
// # Control API
//
// ControlAPI exposes the engine over HTTP with a server-sent event stream
// at /events:
//
//	api := apisec.NewControlAPI(engine, token)
//	log.Fatal(http.ListenAndServe("127.0.0.1:8081", api))
//
// # Configuration
//
// LoadConfig reads apisec.yaml (or .json/.toml) from the working directory,
// $HOME/.apisec or /etc/apisec. APISEC_* environment variables override
// file values, for example APISEC_PROXY_ADDR.
package apisec
