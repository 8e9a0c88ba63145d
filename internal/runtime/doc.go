// Package runtime wires storage, config and the change stream core into a
// single-node changeflo instance. It exposes Open/Start/Close, basic health
// checks, and accessors used by the services and transports.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default(), DataDir: "./data"})
//	defer rt.Close()
//	rt.Start()
//	_, _ = rt.Lifecycle().SetEnabled(ctx, "tenant-a", true)
//	cur, _ := rt.Watcher().Open(ctx, "tenant-a", changestream.Options{})
package runtime
