package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/strata-analysis/strata/internal/common"
	"github.com/strata-analysis/strata/internal/scaler"
	"github.com/strata-analysis/strata/internal/scaler/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.ScalerConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/scaler", userSpecifiedConfig)

	log.Info("Starting...")

	shutdown, err := scaler.StartUp(&config)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer shutdown()

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	<-stopSignal
	log.Info("Shutting down...")
}
