package cmd

import (
	"log/slog"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JanssenProject/jans-sub052/oauth2server"
)

func init() {
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the authorization server",
	Run: func(cmd *cobra.Command, args []string) {
		configFile := expandHome(viper.GetString("config_file"))
		if configFile == "" {
			cobra.CheckErr("config file is required. Use --config-file/-f flag or environment variable")
		}
		config, err := oauth2server.LoadConfigFile(configFile)
		if err != nil {
			slog.Error("Failed to load config file", "error", err)
			os.Exit(1)
		}

		slog.Info("Starting authorization server", "version", oauth2server.Version, "config_file", configFile)
		server, err := oauth2server.New(*config)
		if err != nil {
			slog.Error("Failed to create authorization server", "error", err)
			os.Exit(1)
		}

		e := echo.New()
		e.Use(middleware.Recover())

		server.MountRoutes(e.Group(""))

		for _, route := range e.Routes() {
			slog.Info("Route", "method", route.Method, "path", route.Path)
		}

		slog.Info("listening", "address", config.ListenAddress, "issuer", config.Issuer)
		e.Logger.Fatal(e.Start(config.ListenAddress))
	},
}
