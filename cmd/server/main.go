package main

import (
	"log/slog"
	"os"

	"keymint/internal/app"
	"keymint/internal/infrastructure"
)

func main() {
	application, err := app.NewApplication()
	if err != nil {
		infrastructure.GetLogger().Error("failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		infrastructure.GetLogger().Error("application terminated", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
