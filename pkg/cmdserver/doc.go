// Package cmdserver provides an embeddable persistent command server.
//
// A Server listens on a Unix socket and starts one worker process per
// client connection. The worker speaks the channel protocol on that
// connection: it sends a hello banner, then serves runcommand and
// getencoding requests until the client hangs up. Workers are isolated from
// each other and from the server; a crash in one never affects another.
//
// # Basic Usage
//
// The server re-executes its own binary for every connection, so the
// program must dispatch the worker subcommand to RunWorker:
//
//	if len(os.Args) > 1 && os.Args[1] == "worker" {
//	    os.Exit(cmdserver.RunWorker(ctx, cmdserver.WorkerConfig{
//	        Executor: myExecutor,
//	    }))
//	}
//
//	srv, err := cmdserver.New(cmdserver.Config{
//	    Address:     "/run/user/1000/cmdserver.sock",
//	    IdleTimeout: 10 * time.Minute,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// ... run until shutdown signal ...
//
//	if err := srv.Stop(); err != nil {
//	    log.Printf("shutdown error: %v", err)
//	}
//
// # Shutdown
//
// Stop, a cancelled context, the idle timeout, a custom [Handler] or a
// plugin calling [PluginConfig].RequestShutdown all start the same drain:
// the socket path is removed so no new client can connect, connections
// already queued on the socket are still served, and the server waits for
// every worker before it reports [StateStopped].
//
// # Event Handling
//
// Implement [EventHandler], or embed [BaseEventHandler], and pass it via
// [WithEventHandler] to observe state changes, new connections and worker
// exits.
//
// # Plugins
//
//	import "github.com/bft-labs/cmdserver/plugins/configwatcher"
//
//	srv, err := cmdserver.New(cfg, configwatcher.WithDefaultConfigWatcher())
//
// # Version
//
// Current version: 1.0.0
// Minimum compatible version: 1.0.0
//
// Use [ModuleVersions] to get versions of all sub-modules and
// [CompatibilityMatrix] to check minimum compatible versions.
package cmdserver
