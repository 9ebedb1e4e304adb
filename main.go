package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cipherchat/relay/pkg"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	viper.SetEnvPrefix("chat")
	viper.AutomaticEnv()
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("metrics_addr", ":8081")
	viper.SetDefault("log_level", "info")

	level, err := log.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		log.Fatal("Invalid log level: ", err)
	}

	log.SetLevel(level)

	manager := pkg.NewManager()

	relayRouter := mux.NewRouter()
	relayRouter.HandleFunc("/api/v1/health", manager.HealthHandler)
	relayRouter.HandleFunc("/api/v1/socket", manager.SocketHandler)

	relayServer := &http.Server{
		Addr: viper.GetString("listen_addr"),
		Handler: promhttp.InstrumentHandlerInFlight(pkg.ChatRelayInFlightGauge,
			promhttp.InstrumentHandlerCounter(pkg.ChatRelayRequestsCounter,
				relayRouter)),
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    viper.GetString("metrics_addr"),
		Handler: metricsRouter,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Starting chat relay on ", relayServer.Addr, "...")
	go func() {
		err := relayServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("Chat relay failed: ", err)
		}
	}()

	log.Info("Starting metrics server on ", metricsServer.Addr, "...")
	go func() {
		err := metricsServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("Metrics server failed: ", err)
		}
	}()

	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info("Shutting down chat relay...")
	if err := relayServer.Shutdown(ctx); err != nil {
		log.Fatal("Chat relay shutdown failed: ", err)
	}

	log.Info("Shutting down metrics server...")
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Fatal("Metrics server shutdown failed: ", err)
	}
}
