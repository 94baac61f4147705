package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/aptos-positions/internal/fetch"
	"github.com/yourorg/aptos-positions/internal/model"
	"github.com/yourorg/aptos-positions/internal/tokenlist"
	"github.com/yourorg/aptos-positions/internal/tokens"
)

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	// stdout is reserved for lookup output
	logrus.SetOutput(os.Stderr)
}

// embeddedTokenSource resolves tokens from the embedded list without an HTTP round trip.
func embeddedTokenSource(list *tokenlist.List) tokens.Source {
	return tokens.Source{
		Name: fetch.SourceTokenList,
		Lookup: func(_ context.Context, addr string) (*model.TokenMeta, error) {
			t, ok := list.Find(addr)
			if !ok {
				return nil, nil
			}
			return &model.TokenMeta{
				Address:  addr,
				Symbol:   t.Symbol,
				Name:     t.Name,
				Decimals: t.Decimals,
				LogoURL:  t.LogoURL,
			}, nil
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
