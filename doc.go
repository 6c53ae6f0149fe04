// Package yblocker provides a local TLS-terminating proxy that blocks ads
// and trackers with AdGuard/ABP filter rules, injects cosmetic styles and
// scripts into the HTML pages it lets through, and records a history of
// visited pages that is periodically synced to a remote endpoint.
//
// # Architecture
//
// The Interceptor accepts plain HTTP and CONNECT requests. CONNECT tunnels
// are decrypted with per-host certificates signed by a local CA. Every
// exchange goes through an ExchangeHooks implementation, normally a
// Mediator:
//
//   - BeforeRequest asks the Engine for a verdict. Blocked requests have
//     their connection closed. Passed requests are registered in the
//     CorrelationTable.
//   - BeforeResponse takes the exchange back out of the table, and for HTML
//     documents injects the engine's cosmetics before </head> and appends a
//     VisitRecord to the HistoryStore.
//
// Engine failures never block traffic: errors and panics in the engine are
// logged and the request passes.
//
// # Basic Proxy
//
//	cm, err := yblocker.NewCertManager("certs/testCA.pem", "certs/testCA.key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine, err := yblocker.LoadEngine(ctx, yblocker.NewSourcesLoader(lists, nil))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store, err := yblocker.OpenHistoryStore("store.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	table := yblocker.NewCorrelationTable(yblocker.DefaultCorrelationTTL)
//	proxy := yblocker.NewInterceptor(":8080", cm, yblocker.NewMediator(engine, table, store))
//	log.Fatal(proxy.ListenAndServe())
//
// # History Store
//
// HistoryStore keeps two queues, histories (captured) and
// pendingSendHistories (queued for upload), and writes the whole snapshot
// to disk after every mutation. A record is in exactly one queue at a time.
// The store file is locked for the lifetime of the process.
//
// # Sync
//
// A Syncer moves captured records to the pending queue, uploads the queue
// with a bounded RetryPolicy and drops exactly the uploaded records once
// the endpoint confirms them. A blacklist in the reply replaces the custom
// rule file:
//
//	client := yblocker.NewSyncClient("https://sync.example.com", token)
//	syncer := yblocker.NewSyncer(store, client, 10*time.Minute)
//	syncer.Rules = yblocker.NewCustomRules("filter.txt", engine)
//	go syncer.Run(ctx)
//
// # Custom Rules
//
// CustomRules tracks the ids of the rules it loaded so that each reload is
// applied as a RuleDelta removing the previous set. Reloads are triggered
// by file changes (Watch), SIGHUP (WatchSIGHUP), the admin API and sync
// replies.
//
// # Running an Instance
//
// App wires everything from a Config:
//
//	cfg, err := yblocker.LoadConfig("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	app, err := yblocker.NewApp(ctx, cfg, slog.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Close()
//	if err := app.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Requests addressed to the proxy itself are served locally: /healthz,
// /readyz, /metrics and the admin API under /api/.
package yblocker
