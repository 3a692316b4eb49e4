package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/abdul-hamid-achik/hitcapture/packages/certauth"
	"github.com/abdul-hamid-achik/hitcapture/packages/core/config"
	"github.com/abdul-hamid-achik/hitcapture/packages/har"
	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
	"github.com/abdul-hamid-achik/hitcapture/packages/output"
	"github.com/abdul-hamid-achik/hitcapture/packages/proxy"
	"github.com/abdul-hamid-achik/hitcapture/packages/sink"
	"github.com/abdul-hamid-achik/hitcapture/packages/upstream"
)

var (
	servePortFlag      int
	serveBindFlag      string
	serveOutputFlag    string
	serveFormatFlag    string
	serveProxyFlag     string
	serveBypassFlag    string
	serveKeystoreFlag  string
	serveDurationFlag  time.Duration
	serveQuietFlag     bool
	serveNoMITMFlag    bool
	serveRawFlag       bool
	serveInsecureFlag  bool
	serveMaxBodyFlag   int64
	serveEchoRateFlag  float64
	serveRedactFlag    string
	serveNoCaptureFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture proxy",
	Long: `Run a local HTTP proxy that records every exchange passing through it.
Point a client at the printed proxy address and trust the printed CA
certificate to capture HTTPS. Stop with Ctrl+C to write the capture.

The proxy:
- Decrypts HTTPS with a generated CA (reuse one with --keystore)
- Decodes br, zstd, gzip and deflate bodies in the record only
- Removes Via/X-Forwarded-For before forwarding
- Masks Authorization, Cookie, X-Api-Key, Api-Key and Proxy-Authorization
  in the capture (add more with --redact)
- Chains through an upstream HTTP or SOCKS proxy when --proxy is set

Examples:
  hitcapture serve
  hitcapture serve --port 8888 --output ./captures
  hitcapture serve --keystore ca.json --format sqlite
  hitcapture serve --proxy socks5://user:pw@gw:1080 --bypass "localhost,*.internal"
  hitcapture serve --duration 30s --quiet`,
	RunE: serveCommand,
}

func init() {
	serveCmd.Flags().IntVarP(&servePortFlag, "port", "p", getEnvInt("HITCAPTURE_PORT", 0), "Port to listen on, 0 picks a free port (env: HITCAPTURE_PORT)")
	serveCmd.Flags().StringVar(&serveBindFlag, "bind", "", "Address to listen on (default 127.0.0.1)")
	serveCmd.Flags().StringVarP(&serveOutputFlag, "output", "o", "", "Directory the capture is written to")
	serveCmd.Flags().StringVarP(&serveFormatFlag, "format", "f", "", "Output format: har, sqlite")
	serveCmd.Flags().StringVar(&serveProxyFlag, "proxy", getEnvString("HITCAPTURE_UPSTREAM", ""), "Upstream proxy URL: http://, socks4:// or socks5:// (env: HITCAPTURE_UPSTREAM)")
	serveCmd.Flags().StringVar(&serveBypassFlag, "bypass", "", "Hosts reached without the upstream proxy (comma-separated)")
	serveCmd.Flags().StringVar(&serveKeystoreFlag, "keystore", "", "CA file written by 'hitcapture ca export'")
	serveCmd.Flags().DurationVarP(&serveDurationFlag, "duration", "d", 0, "Stop after this long instead of waiting for Ctrl+C")
	serveCmd.Flags().BoolVarP(&serveQuietFlag, "quiet", "q", false, "Do not print a line per response")
	serveCmd.Flags().BoolVar(&serveNoMITMFlag, "no-mitm", false, "Tunnel HTTPS without decrypting it")
	serveCmd.Flags().BoolVar(&serveRawFlag, "no-anonymize", false, "Forward Via/X-Forwarded-For and record credential headers unmasked")
	serveCmd.Flags().BoolVarP(&serveInsecureFlag, "insecure", "k", false, "Skip verification of origin server certificates")
	serveCmd.Flags().Int64Var(&serveMaxBodyFlag, "max-body-size", 0, "Largest body recorded per message, in bytes")
	serveCmd.Flags().Float64Var(&serveEchoRateFlag, "echo-rate", 0, "Most response lines printed per second")
	serveCmd.Flags().StringVar(&serveRedactFlag, "redact", "", "Extra headers to mask in the capture (comma-separated)")
	serveCmd.Flags().BoolVar(&serveNoCaptureFlag, "no-capture", false, "Proxy traffic without recording it")
}

func serveCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = cfg.Merge(serveOverrides())
	if err := cfg.Validate(); err != nil {
		return withCode(ExitConfigError, err)
	}

	log := newLogger(cfg)
	defer logger.Close(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if serveDurationFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, serveDurationFlag)
		defer cancel()
	}

	out := cmd.OutOrStdout()
	formatter := output.NewConsoleFormatter(output.WithWriter(out), output.WithNoColor(cfg.GetNoColor()))
	formatter.FormatHeader(version)

	result, err := runServe(ctx, serveOptions{
		cfg:       cfg,
		log:       log,
		out:       out,
		echo:      cfg.GetEcho() && !serveQuietFlag,
		mitm:      !serveNoMITMFlag,
		capture:   !serveNoCaptureFlag,
		formatter: formatter,
	})
	if err != nil {
		formatter.FormatError(err)
		return err
	}
	if result.artifact != nil {
		formatter.FormatSummary(result.path, har.Summarize(result.artifact))
	}
	return nil
}

func serveOverrides() *config.Config {
	o := &config.Config{
		Port:        servePortFlag,
		BindAddress: serveBindFlag,
		OutputDir:   serveOutputFlag,
		Format:      serveFormatFlag,
		Proxy:       serveProxyFlag,
		Bypass:      splitList(serveBypassFlag),
		Keystore:    serveKeystoreFlag,
		MaxBodySize: serveMaxBodyFlag,
		EchoRate:    serveEchoRateFlag,
	}
	o.RedactHeaders = splitList(serveRedactFlag)
	if serveRawFlag {
		o.Anonymize = config.BoolPtr(false)
	}
	if serveInsecureFlag {
		o.InsecureUpstream = config.BoolPtr(true)
	}
	return o
}

type serveOptions struct {
	cfg       *config.Config
	log       logger.Logger
	out       io.Writer
	echo      bool
	mitm      bool
	capture   bool
	formatter *output.ConsoleFormatter
	// onReady is called with the proxy address once the session is listening
	onReady func(proxyURL *url.URL)
}

type serveResult struct {
	artifact *har.HAR
	path     string
}

// runServe runs one capture session until ctx is done, then closes it and
// writes the capture. The scratch directory holding the CA certificate is
// removed after the capture has been written.
func runServe(ctx context.Context, opts serveOptions) (*serveResult, error) {
	cfg := opts.cfg
	log := opts.log

	scratch, err := os.MkdirTemp("", "hitcapture-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	var authority *certauth.Authority
	var caPath string
	if opts.mitm {
		authority, err = loadAuthority(cfg.Keystore, log)
		if err != nil {
			os.RemoveAll(scratch)
			return nil, withCode(ExitConfigError, err)
		}
		caPath, err = writeCACertificate(authority, scratch)
		if err != nil {
			os.RemoveAll(scratch)
			authority.Close()
			return nil, err
		}
	}

	var upstreamURL *url.URL
	if cfg.Proxy != "" {
		upstreamURL, err = url.Parse(cfg.Proxy)
		if err != nil {
			os.RemoveAll(scratch)
			return nil, withCode(ExitConfigError, fmt.Errorf("invalid upstream proxy %q: %w", cfg.Proxy, err))
		}
		upstreamURL = upstream.AddBypasses(upstreamURL, cfg.Bypass)
	}

	out, err := sink.New(sink.Format(cfg.Format), cfg.OutputDir)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, withCode(ExitConfigError, err)
	}

	result := &serveResult{}
	var writeErr error
	var monitor capture.Monitor
	if opts.capture {
		monitor = newSinkMonitor(opts, out, result, &writeErr)
	}

	srvOpts := []capture.Option{
		capture.WithLogger(log),
		capture.WithUpstream(upstreamURL),
		capture.WithMaxBodySize(cfg.MaxBodySize),
		capture.WithPostProcessor(capture.SortEntries),
		capture.WithEngineFactory(engineFactory(cfg)),
	}
	if authority != nil {
		srvOpts = append(srvOpts, capture.WithAuthority(authority))
	}
	if !cfg.GetAnonymize() {
		srvOpts = append(srvOpts, capture.NonAnonymizing())
	} else if len(cfg.RedactHeaders) > 0 {
		srvOpts = append(srvOpts, capture.WithRedactHeaders(append(append([]string{}, capture.DefaultRedactHeaders...), cfg.RedactHeaders...)))
	}

	ctl, err := capture.NewServer(srvOpts...).Start(monitor, cfg.Port)
	ctl.AddCleanup("remove scratch directory", func() error { return os.RemoveAll(scratch) })
	if authority != nil {
		ctl.AddCleanup("close certificate authority", authority.Close)
	}
	if err != nil {
		ctl.Close()
		return nil, withCode(ExitNetworkError, err)
	}

	proxyURL, err := ctl.ProxyURL()
	if err != nil {
		ctl.Close()
		return nil, err
	}
	if opts.formatter != nil {
		opts.formatter.FormatListening(proxyURL.String(), caPath)
	}
	if opts.onReady != nil {
		opts.onReady(proxyURL)
	}

	<-ctx.Done()
	log.Info("stopping capture session")

	if err := ctl.Close(); err != nil {
		log.Warn("capture session did not stop cleanly", "error", err)
	}
	if writeErr != nil {
		return result, fmt.Errorf("failed to write capture: %w", writeErr)
	}
	return result, nil
}

// newSinkMonitor echoes responses when enabled and writes the archive to out
// as soon as the session delivers it, before cleanups run
func newSinkMonitor(opts serveOptions, out sink.Sink, result *serveResult, writeErr *error) capture.Monitor {
	var echo *output.EchoMonitor
	if opts.echo {
		echo = output.NewEchoMonitor(opts.out, opts.cfg.EchoRate)
	}
	var once sync.Once
	return capture.MonitorFuncs{
		OnResponse: func(req *har.Request, resp *har.Response) {
			if echo != nil {
				echo.ResponseReceived(req, resp)
			}
		},
		OnArtifact: func(artifact *har.HAR) {
			once.Do(func() {
				if echo != nil {
					echo.ArtifactCaptured(artifact)
				}
				result.artifact = artifact
				result.path, *writeErr = out.Write(artifact)
			})
		},
	}
}

func engineFactory(cfg *config.Config) capture.EngineFactory {
	return func(log logger.Logger) capture.Engine {
		opts := []proxy.Option{
			proxy.WithLogger(log),
			proxy.WithCreator("hitcapture", version),
		}
		if cfg.BindAddress != "" {
			opts = append(opts, proxy.WithBindAddress(cfg.BindAddress))
		}
		if cfg.GetInsecureUpstream() {
			opts = append(opts, proxy.WithUpstreamTLS(&tls.Config{InsecureSkipVerify: true}))
		}
		return proxy.New(opts...)
	}
}

// loadAuthority reads the keystore at path, or returns a fresh authority when
// path is empty or does not exist yet
func loadAuthority(path string, log logger.Logger) (*certauth.Authority, error) {
	if path == "" {
		return certauth.New(certauth.WithLogger(log)), nil
	}
	a, err := certauth.LoadFile(path, certauth.WithLogger(log))
	if errors.Is(err, os.ErrNotExist) {
		log.Info("keystore not found, generating a new authority", "path", path)
		a = certauth.New(certauth.WithLogger(log))
		form, err := a.Export()
		if err != nil {
			return nil, err
		}
		if err := form.WriteFile(path); err != nil {
			return nil, fmt.Errorf("failed to save keystore: %w", err)
		}
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load keystore: %w", err)
	}
	return a, nil
}

func writeCACertificate(a *certauth.Authority, dir string) (string, error) {
	material, err := a.Acquire()
	if err != nil {
		return "", err
	}
	pem, err := material.CertificatePEM()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "hitcapture-ca.pem")
	if err := os.WriteFile(path, pem, 0644); err != nil {
		return "", fmt.Errorf("failed to write CA certificate: %w", err)
	}
	return path, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
