package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmcleod/gatekey/api"
	"github.com/jmcleod/gatekey/ceremony"
	"github.com/jmcleod/gatekey/internal/util"
	"github.com/jmcleod/gatekey/storage"
	bboltstorage "github.com/jmcleod/gatekey/storage/bbolt"
	pgstorage "github.com/jmcleod/gatekey/storage/postgres"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the device registration server",
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	v := serverViper

	rpID := v.GetString("rp-id")
	if rpID == "" {
		return errors.New("--rp-id is required (or GATEKEY_RP_ID)")
	}
	jwtSecret := v.GetString("jwt-secret")
	if jwtSecret == "" {
		return errors.New("--jwt-secret is required (or GATEKEY_JWT_SECRET)")
	}

	rpOrigin := v.GetString("rp-origin")
	if rpOrigin == "" {
		rpOrigin = ceremony.OriginForEnvironment(v.GetString("environment"), rpID)
	}

	trustedProxies, err := parseTrustedProxies(v.GetStringSlice("trusted-proxies"))
	if err != nil {
		return err
	}

	var repo storage.Repository
	if dsn := v.GetString("postgres-dsn"); dsn != "" {
		pg, err := pgstorage.NewRepositoryFromDSN(cmd.Context(), dsn)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pg.Close()
		repo = pg
	} else {
		dataDir := v.GetString("data-dir")
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		bolt, err := bboltstorage.NewRepositoryFromFile(dataDir+"/gatekey.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer bolt.Close()
		repo = bolt
	}

	svc, err := ceremony.NewService(repo, ceremony.Config{
		RPID:                    rpID,
		RPDisplayName:           v.GetString("rp-display-name"),
		RPOrigin:                rpOrigin,
		RequireUserVerification: v.GetBool("require-user-verification"),
		ChallengeTTL:            v.GetDuration("challenge-ttl"),
	})
	if err != nil {
		return fmt.Errorf("failed to configure ceremony service: %w", err)
	}

	a := api.New(svc, api.NewJWTVerifier([]byte(jwtSecret)),
		api.WithTrustedProxies(trustedProxies))

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	r.Mount("/api/v1", a.Router())

	var tlsConfig *tls.Config
	tlsCert := v.GetString("tls-cert")
	tlsKey := v.GetString("tls-key")
	if tlsCert != "" && tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		cert, err := util.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}

	port := v.GetInt("port")
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	fmt.Printf("Starting server on port %d (rp: %s, origin: %s)...\n", port, rpID, rpOrigin)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func parseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			// Allow bare addresses as single-host prefixes.
			addr, addrErr := netip.ParseAddr(raw)
			if addrErr != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}

// serverViper resolves each flag against the GATEKEY_* environment, so
// GATEKEY_JWT_SECRET=... gatekey server works without flags.
var serverViper = viper.New()

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntP("port", "p", 8443, "Port to listen on")
	serverCmd.Flags().String("data-dir", "./data", "Directory for persistent data (bbolt backend)")
	serverCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN; overrides the bbolt backend")
	serverCmd.Flags().String("tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().String("tls-key", "", "Path to TLS key file")
	serverCmd.Flags().String("rp-id", "", "WebAuthn relying party ID (e.g. vault.example.com)")
	serverCmd.Flags().String("rp-display-name", "Gatekey", "Relying party name shown by browsers")
	serverCmd.Flags().String("rp-origin", "", "Expected WebAuthn origin; derived from environment when empty")
	serverCmd.Flags().String("environment", ceremony.EnvDevelopment, "Deployment environment (development or production)")
	serverCmd.Flags().Bool("require-user-verification", false, "Require biometric/PIN user verification")
	serverCmd.Flags().Duration("challenge-ttl", ceremony.DefaultChallengeTTL, "How long issued challenges stay valid")
	serverCmd.Flags().String("jwt-secret", "", "Shared secret for verifying session tokens")
	serverCmd.Flags().StringSlice("trusted-proxies", nil, "CIDR ranges whose proxy headers are trusted")

	serverViper.SetEnvPrefix("GATEKEY")
	serverViper.AutomaticEnv()
	serverViper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	serverCmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := serverViper.BindPFlag(f.Name, f); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to bind flag %s: %v\n", f.Name, err)
		}
	})
}
