// Command compliancectl is an operator CLI for the careshield compliance service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	grpcserver "github.com/and161185/careshield/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	a := &app{out: os.Stdout, in: os.Stdin}
	if err := newRootCommand(a).Execute(); err != nil {
		if st, ok := status.FromError(err); ok {
			fmt.Fprintf(os.Stderr, "error: %s: %s\n", st.Code(), st.Message())
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

// caller invokes a compliance method; *grpcserver.Client implements it.
type caller interface {
	Call(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error
}

type app struct {
	out io.Writer
	in  io.Reader

	addr      string
	caPath    string
	skipTLS   bool
	plaintext bool
	token     string
	timeout   time.Duration

	// client is dialed on first use; tests set it directly.
	client caller
	conn   *grpc.ClientConn
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "compliancectl",
		Short:         "Operate the careshield compliance service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.conn != nil {
				_ = a.conn.Close()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.addr, "addr", envOr("CARESHIELD_ADDR", "localhost:8443"), "server address")
	pf.StringVar(&a.caPath, "cacert", "", "CA certificate (PEM)")
	pf.BoolVar(&a.skipTLS, "insecure", false, "skip certificate verification (dev)")
	pf.BoolVar(&a.plaintext, "plaintext", false, "connect without TLS")
	pf.StringVar(&a.token, "token", os.Getenv("CARESHIELD_TOKEN"), "bearer token (defaults to the saved token)")
	pf.DurationVar(&a.timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(
		newVersionCommand(a),
		newTokenCommand(a),
		newKeygenCommand(a),
		newMigrateCommand(a),
		newAuditCommand(a),
		newPasswordCommand(a),
		newRolesCommand(a),
		newPlacementsCommand(a),
	)
	return cmd
}

// call sends one request with the configured timeout and prints the reply.
func (a *app) call(cmd *cobra.Command, method string, req any) error {
	var resp map[string]any
	if err := a.invoke(cmd, method, req, &resp); err != nil {
		return err
	}
	return a.printJSON(resp)
}

func (a *app) invoke(cmd *cobra.Command, method string, req, resp any) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if a.client == nil {
		if err := a.dial(); err != nil {
			return err
		}
	}
	return a.client.Call(ctx, method, req, resp)
}

func (a *app) dial() error {
	token := a.token
	if token == "" {
		t, err := loadToken()
		if err != nil {
			return err
		}
		token = t
	}
	var opts []grpc.DialOption
	if a.plaintext {
		opts = append(opts,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithPerRPCCredentials(bearerCreds{token: token, plaintext: true}))
	} else {
		creds, err := loadTLS(a.caPath, a.skipTLS)
		if err != nil {
			return err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds), grpc.WithPerRPCCredentials(bearerCreds{token: token}))
	}
	cc, err := grpc.NewClient(a.addr, opts...)
	if err != nil {
		return err
	}
	a.conn = cc
	a.client = grpcserver.NewClient(cc)
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(a.in)
	}
	return os.ReadFile(p)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ---- grpc credentials ----

type bearerCreds struct {
	token     string
	plaintext bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return !b.plaintext }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// ---- token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "careshield")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "careshield")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", errors.New("no token (use --token or compliancectl token issue --save)")
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("saved token expired")
	}
	return tf.AccessToken, nil
}

// tokenExpiry reads exp from a token without verifying it.
func tokenExpiry(tok string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(tok, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
