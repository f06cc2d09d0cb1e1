package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/dkeye/Consult/internal/app/orch"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	tokenKey       = "token"
	metricsAddrKey = "metrics_addr"
)

// v is the shared config instance; flags are bound into it so they win
// over the config file and CONSULT_* env vars.
var v *viper.Viper

var rootCmd = &cobra.Command{
	Use:   "consultctl",
	Short: "Realtime chat client for the Consult dev server",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		lvl, err := zerolog.ParseLevel(v.GetString("log.level"))
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(lvl)
	},
	SilenceUsage: true,
}

func init() {
	v = config.New()

	pf := rootCmd.PersistentFlags()
	pf.String("url", "", "realtime websocket URL")
	pf.String("rest", "", "REST base URL (empty disables the durable channel)")
	pf.String("role", "", "client or consultant")
	pf.String("token", "", "bearer token")
	pf.String("metrics-addr", "", "serve /metrics on this address")

	_ = v.BindPFlag("realtime.url", pf.Lookup("url"))
	_ = v.BindPFlag("rest.base_url", pf.Lookup("rest"))
	_ = v.BindPFlag("realtime.role", pf.Lookup("role"))
	_ = v.BindPFlag(tokenKey, pf.Lookup("token"))
	_ = v.BindPFlag(metricsAddrKey, pf.Lookup("metrics-addr"))
}

// newClient builds a client from the bound config and, when asked, serves
// its metrics.
func newClient(ctx context.Context) (*orch.Client, error) {
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	token := v.GetString(tokenKey)
	if token == "" {
		return nil, errors.New("no token: pass --token or set CONSULT_TOKEN")
	}

	reg := prometheus.NewRegistry()
	client, err := orch.New(cfg, orch.Deps{
		Credentials: core.StaticToken(token),
		Registerer:  reg,
		Log:         log.Logger,
	})
	if err != nil {
		return nil, err
	}

	if addr := v.GetString(metricsAddrKey); addr != "" {
		serveMetrics(ctx, addr, reg)
	}
	return client, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
