// Package bootstrap wires the Warden service from configuration and manages
// its lifecycle.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, "config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown()
//
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	app.WaitForShutdown(ctx)
package bootstrap
