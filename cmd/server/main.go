package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"

	"github.com/cds-snc/forms-idp-login/auth"
	"github.com/cds-snc/forms-idp-login/flow"
	"github.com/cds-snc/forms-idp-login/identity/zitadelhttp"
	"github.com/cds-snc/forms-idp-login/internal/config"
	"github.com/cds-snc/forms-idp-login/notify"
	"github.com/cds-snc/forms-idp-login/server"
	"github.com/cds-snc/forms-idp-login/sessioncookie"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Fatalf("Error running server: %s\n", err)
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Printf("Server stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	handler, err := buildHandler(c)
	if err != nil {
		return err
	}

	httpServer := &http.Server{Addr: c.GetPort(), Handler: handler}
	go listenAndServe(httpServer)
	waitForStopSignal()
	returnError = shutdown(httpServer)
	return returnError
}

func buildHandler(c config.Config) (http.Handler, error) {
	client, err := zitadelhttp.New(c.GetIdentityServiceURL(), c.GetIdentityServiceToken())
	if err != nil {
		return nil, fmt.Errorf("zitadelhttp.New: %w", err)
	}

	encryptionKey, err := base64.StdEncoding.DecodeString(c.GetCookieEncryptionKey())
	if err != nil {
		return nil, fmt.Errorf("decoding COOKIE_ENCRYPTION_KEY: %w", err)
	}
	var codecOptions []sessioncookie.CodecOption
	if c.GetEnv() == "DEV" {
		codecOptions = append(codecOptions, sessioncookie.WithInsecureCookies())
	}
	codec, err := sessioncookie.NewCodec([]byte(c.GetCookieSigningKey()), encryptionKey, codecOptions...)
	if err != nil {
		return nil, fmt.Errorf("sessioncookie.NewCodec: %w", err)
	}
	registry := sessioncookie.NewRegistry(codec)

	sender, err := notify.NewClient(c.GetNotifyBaseURL(), c.GetNotifyAPIKey(), c.GetNotifyTemplateID())
	if err != nil {
		return nil, fmt.Errorf("notify.NewClient: %w", err)
	}

	authService, err := auth.NewService(client, registry, sender,
		auth.WithEmailVerificationRequired(c.GetEmailVerificationRequired()),
		auth.WithEmailTemplateID(c.GetNotifyTemplateID()),
	)
	if err != nil {
		return nil, fmt.Errorf("auth.NewService: %w", err)
	}

	return server.New(c, authService, client, flow.New())
}

func listenAndServe(server *http.Server) error {
	log.Printf("Server listening on %s\n", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
