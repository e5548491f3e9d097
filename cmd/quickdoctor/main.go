package main

import (
	"context"

	"quickdoctor/cmd/quickdoctor/commands"
	"quickdoctor/lib/osutil"
	"quickdoctor/lib/telemetry"
)

func main() {
	ctx := osutil.SignalContext()
	tel, err := telemetry.SetupFromEnv(ctx, "quickdoctor")
	if err == nil {
		defer tel.Shutdown(context.Background())
	}
	commands.ExecuteContext(ctx)
}
