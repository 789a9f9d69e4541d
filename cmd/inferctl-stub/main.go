package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/inferctl/internal/stub"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	script := flag.String("script", strings.Join(stub.DefaultScript, ","), "comma separated status sequence per task")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	srv := stub.NewServer("dev")
	srv.Script = strings.Split(*script, ",")
	go func() {
		if err := srv.ListenAndServe(*addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("stub server stopped")
		}
	}()
	log.Info().Str("addr", *addr).Strs("script", srv.Script).Msg("inferctl-stub listening")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Info().Msg("inferctl-stub shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
