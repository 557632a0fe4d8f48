// Package main is the CLI entry point for traceproof — a tamper-evident
// audit trail for AI interactions.
//
// Every recorded interaction becomes a signed entry in a hash-chained
// append-only log. Binary attachments are encrypted at rest in a
// content-addressed evidence store with a configurable retention window.
//
// Architecture overview:
//
//	record --> PII masking --> body hashing --> evidence store (optional)
//	            |                                 |
//	            +-- assemble payload -------------+
//	            |-- sign + append to hash chain (chain.jsonl)
//	            +-- SQLite index for queries
//
// CLI commands (cobra):
//
//	traceproof record    - Record one interaction into the audit trail
//	traceproof verify    - Verify hash chain integrity
//	traceproof tail      - Show recent entries (-f to follow)
//	traceproof query     - Query entries with filters
//	traceproof export    - Export the audit trail (jsonl/json/csv)
//	traceproof sweep     - Delete expired evidence now
//	traceproof keys      - Show the public verification key
//	traceproof serve     - Run the HTTP API + dashboard (-d for daemon)
//	traceproof stop      - Stop a running server
//	traceproof status    - Show server status
//	traceproof config    - View/edit configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/traceproof/traceproof/internal/assemble"
	"github.com/traceproof/traceproof/internal/audit"
	"github.com/traceproof/traceproof/internal/config"
	"github.com/traceproof/traceproof/internal/dashboard"
	"github.com/traceproof/traceproof/internal/evidence"
	"github.com/traceproof/traceproof/internal/keys"
	"github.com/traceproof/traceproof/internal/pii"
	"github.com/traceproof/traceproof/internal/trace"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-29"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.traceproof/ where all runtime state lives:
// config.yaml plus the keys/, evidence/, and audit/ directories.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".traceproof"
	}
	return filepath.Join(home, ".traceproof")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the traceproof config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "traceproof",
	Short: "traceproof — Tamper-evident audit trail for AI interactions",
	Long: `traceproof records AI interactions into a hash-chained, RSA-signed,
append-only audit log. Request and response bodies are stored as hashes
only; binary attachments go into an AES-256-GCM encrypted evidence store
with a configurable retention window (7 days by default).

Run 'traceproof record' to append an entry, 'traceproof verify' to check
the chain, or 'traceproof serve' for the HTTP API and dashboard.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to traceproof config and state directory",
	)

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Shared stack wiring
// ============================================================================

// stack bundles the subsystems most commands need: config, key material,
// evidence store, and the audit log.
type stack struct {
	cfg      *config.Config
	keys     *keys.Manager
	evidence *evidence.Store
	log      *audit.Logger
}

// openStack loads the config and opens every subsystem. Key material is
// generated on first use.
func openStack() (*stack, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	km, err := keys.Open(cfg.Storage.KeyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open key material: %w", err)
	}

	store, err := evidence.New(cfg.Storage.EvidenceDir, km.SymmetricKey(), cfg.RetentionTTL())
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence store: %w", err)
	}

	priv, pub := km.KeyPair()
	log, err := audit.New(cfg.Storage.AuditDir, priv, pub)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &stack{cfg: cfg, keys: km, evidence: store, log: log}, nil
}

func (s *stack) Close() {
	if err := s.log.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "[traceproof] Warning: %v\n", err)
	}
}

// ============================================================================
// traceproof record — Record one interaction
// ============================================================================

var (
	recordMethod       string
	recordModel        string
	recordRequestText  string
	recordRequestFile  string
	recordResponseText string
	recordResponseFile string
	recordStatus       int
	recordTokens       int
	recordAttach       string
	recordLanguage     string
	recordNoPII        bool
)

// recordCmd runs the full pipeline for one interaction: PII detection on
// the request text, body hashing, optional attachment storage, payload
// assembly, and the signed chain append.
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one AI interaction into the audit trail",
	Long: `Record an interaction: the request body is scanned for PII (regex
baseline — emails, phone numbers, national IDs, credit cards, IPs),
both bodies are reduced to SHA-256 hashes, an optional attachment is
encrypted into the evidence store, and the assembled entry is signed
and appended to the hash chain.

Only hashes enter the audit trail — body plaintext is never stored.

Examples:
  traceproof record --method chat.completions --request 'summarize this' \
      --response 'summary...' --status 200 --tokens 1500
  traceproof record --method images.analyze --request-file prompt.txt \
      --response-file out.json --attach scan.png`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecord(cmd, args)
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordMethod, "method", "", "API method of the interaction (required)")
	recordCmd.Flags().StringVar(&recordModel, "model", "", "Model identifier")
	recordCmd.Flags().StringVar(&recordRequestText, "request", "", "Request body text")
	recordCmd.Flags().StringVar(&recordRequestFile, "request-file", "", "Read request body from file")
	recordCmd.Flags().StringVar(&recordResponseText, "response", "", "Response body text")
	recordCmd.Flags().StringVar(&recordResponseFile, "response-file", "", "Read response body from file")
	recordCmd.Flags().IntVar(&recordStatus, "status", 200, "Response status code")
	recordCmd.Flags().IntVar(&recordTokens, "tokens", 0, "Token usage of the interaction")
	recordCmd.Flags().StringVar(&recordAttach, "attach", "", "Store a binary attachment in the evidence store")
	recordCmd.Flags().StringVar(&recordLanguage, "language", "en", "Request language for PII detection")
	recordCmd.Flags().BoolVar(&recordNoPII, "no-pii", false, "Skip PII detection")
	recordCmd.MarkFlagRequired("method")
}

// readBody resolves a body from the text flag or the file flag.
func readBody(text, file, which string) ([]byte, error) {
	if text != "" && file != "" {
		return nil, fmt.Errorf("--%s and --%s-file are mutually exclusive", which, which)
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s body: %w", which, err)
		}
		return data, nil
	}
	if text == "" {
		return nil, fmt.Errorf("provide --%s or --%s-file", which, which)
	}
	return []byte(text), nil
}

func runRecord(cmd *cobra.Command, args []string) error {
	reqBody, err := readBody(recordRequestText, recordRequestFile, "request")
	if err != nil {
		return err
	}
	respBody, err := readBody(recordResponseText, recordResponseFile, "response")
	if err != nil {
		return err
	}

	s, err := openStack()
	if err != nil {
		return err
	}
	defer s.Close()

	req := assemble.Request{
		Method:   recordMethod,
		Model:    recordModel,
		BodyHash: assemble.HashBody(reqBody),
	}
	if !recordNoPII {
		_, meta := pii.Detect(string(reqBody), recordLanguage)
		req.PIIDetection = meta
		if meta.TotalMasked > 0 {
			fmt.Printf("[traceproof] PII masked: %d occurrence(s), score %.2f\n",
				meta.TotalMasked, meta.Score)
		}
	}

	resp := assemble.Response{
		Status:      recordStatus,
		ContentHash: assemble.HashBody(respBody),
		Tokens:      recordTokens,
	}

	var ev *evidence.Record
	if recordAttach != "" {
		rec, err := s.evidence.StoreFile(recordAttach)
		if err != nil {
			return fmt.Errorf("failed to store attachment: %w", err)
		}
		ev = &rec
		fmt.Printf("[traceproof] Attachment stored: %s (expires %s)\n",
			rec.ContentHash[:16], rec.ExpiresAt.Format(time.RFC3339))
	}

	payload, err := assemble.Build(trace.New(), req, resp, ev)
	if err != nil {
		return fmt.Errorf("failed to assemble payload: %w", err)
	}

	entry, err := s.log.Append(payload)
	if err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}

	fmt.Printf("[traceproof] Recorded entry\n")
	fmt.Printf("  Trace ID:  %s\n", entry.ID)
	fmt.Printf("  Log hash:  %s\n", entry.Integrity.LogHash)
	fmt.Printf("  Prev hash: %s\n", entry.Integrity.PreviousHash)
	return nil
}

// ============================================================================
// traceproof verify — Verify hash chain integrity
// ============================================================================

// verifyCmd walks the whole chain: recomputed content hashes, signatures,
// and previous_hash linkage.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Verify the integrity of the audit chain. Each entry's content hash is
recomputed from its canonical JSON, its RSA-PSS signature is checked
against the public key, and its previous_hash must match the preceding
entry. Any tampering reports the exact entry where the chain broke.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := s.log.VerifyChain()
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if result.Valid {
			fmt.Printf("[traceproof] Chain VALID (%d entries verified)\n", result.EntriesChecked)
			return nil
		}

		fmt.Printf("[traceproof] Chain BROKEN at entry #%d: %s\n", result.BrokenAt, result.Reason)
		if result.ExpectedHash != "" {
			fmt.Printf("  Expected: %s\n", result.ExpectedHash)
			fmt.Printf("  Actual:   %s\n", result.ActualHash)
		}
		return fmt.Errorf("audit chain integrity violation detected")
	},
}

// ============================================================================
// traceproof tail — Show recent entries
// ============================================================================

var (
	tailFollowMode bool
	tailLimit      int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	Long:  `Show the most recent audit entries. Use -f to follow in real-time (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		entries, err := s.log.Tail(tailLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}

		for _, entry := range entries {
			printEntry(entry)
		}

		if tailFollowMode {
			return s.log.Follow(context.Background(), func(entry audit.Entry) {
				printEntry(entry)
			})
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollowMode, "follow", "f", false, "Follow new entries in real-time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// ============================================================================
// traceproof query — Query entries with filters
// ============================================================================

var (
	queryTraceID string
	queryMethod  string
	queryStatus  int
	querySince   string
	queryLimit   int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries with filters",
	Long: `Query the audit trail with filters. The method filter supports glob
patterns; trace ID and status are exact matches; since accepts a
duration (1h, 30m) or an ISO timestamp.

Examples:
  traceproof query --method 'chat*' --status 200 --since 24h
  traceproof query --trace-id '550e8400-...:2026-08-29T10:00:00Z'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		entries, err := s.log.Query(audit.QueryParams{
			TraceID: queryTraceID,
			Method:  queryMethod,
			Status:  queryStatus,
			Since:   querySince,
			Limit:   queryLimit,
		})
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No matching entries found.")
			return nil
		}

		for _, entry := range entries {
			printEntry(entry)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryTraceID, "trace-id", "", "Filter by trace identifier (exact)")
	queryCmd.Flags().StringVar(&queryMethod, "method", "", "Filter by method (glob patterns supported)")
	queryCmd.Flags().IntVar(&queryStatus, "status", 0, "Filter by response status")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Entries since duration (1h, 30m) or ISO timestamp")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum number of entries to return")
}

// ============================================================================
// traceproof export — Export the audit trail
// ============================================================================

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit trail",
	Long: `Export the full audit trail to stdout in the specified format.
Supported formats: jsonl, json, csv.

Example:
  traceproof export --format csv > audit_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		return s.log.Export(os.Stdout, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
}

// ============================================================================
// traceproof sweep — Delete expired evidence
// ============================================================================

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired evidence now",
	Long: `Walk the evidence store and delete every artifact whose age, in whole
days, has reached the retention TTL. Serve mode runs this periodically;
this command runs a single sweep immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.Close()

		removed, err := s.evidence.SweepExpired(time.Now())
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		fmt.Printf("[traceproof] Sweep complete: %d expired artifact(s) removed\n", removed)
		return nil
	},
}

// ============================================================================
// traceproof keys — Show the public verification key
// ============================================================================

// keysCmd prints the PEM public key so third parties can verify entry
// signatures without access to the signing key.
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Show the public verification key",
	Long: `Print the RSA public key in PEM format. Share this key with anyone who
needs to verify entry signatures — the private signing key and the
evidence encryption key never leave the key directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configDir)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		km, err := keys.Open(cfg.Storage.KeyDir)
		if err != nil {
			return fmt.Errorf("failed to open key material: %w", err)
		}
		pem, err := km.PublicKeyPEM()
		if err != nil {
			return fmt.Errorf("failed to encode public key: %w", err)
		}
		os.Stdout.Write(pem)
		return nil
	},
}

// ============================================================================
// traceproof serve — Run the HTTP API + dashboard
// ============================================================================

// daemonMode controls whether the server runs in the background (-d flag).
var daemonMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the traceproof HTTP API and dashboard",
	Long: `Run the HTTP server: the REST API, the web dashboard, a WebSocket live
feed of appended entries, and a background sweeper for expired evidence.

By default runs in the foreground. Use -d for daemon/background mode.

The server binds to the address configured in config.yaml
(default: 127.0.0.1:3810):
  - API:       http://127.0.0.1:3810/api/
  - Dashboard: http://127.0.0.1:3810/dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run server in daemon/background mode")
}

// runServe wires the whole stack together and starts the HTTP server:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Open config, keys, evidence store, audit log
//  3. Mount the dashboard + REST API + WebSocket feed
//  4. Start the background evidence sweeper
//  5. Start the config watcher for retention hot-reload
//  6. Write PID file and block until SIGINT/SIGTERM or HTTP shutdown
func runServe(cmd *cobra.Command, args []string) error {
	// Daemon mode: spawn a detached child and exit the parent. Go can't
	// fork() safely because the runtime is multi-threaded, so the child is
	// a re-exec marked by TRACEPROOF_DAEMONIZED=1.
	if daemonMode && os.Getenv("TRACEPROOF_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	s, err := openStack()
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("[traceproof] Audit chain: %d entries\n", s.log.Count())

	// --- Dashboard + live feed ---
	var dash *dashboard.Dashboard
	if s.cfg.Dashboard.Enabled {
		dash = dashboard.New(dashboard.Options{
			Log:      s.log,
			Evidence: s.evidence,
		})
		s.log.OnAppend(func(e audit.Entry) {
			dash.BroadcastEntry(e)
		})
	}

	mux := http.NewServeMux()
	if dash != nil {
		mux.Handle("/dashboard", dash)
		mux.Handle("/dashboard/", dash)
		mux.Handle("/dashboard/ws", dash.WebSocketHandler())
		mux.Handle("/api/", dash.APIHandler())
	}

	// Health check endpoint — used by `traceproof status`.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	// Shutdown endpoint — used by `traceproof stop`. Cross-platform
	// (Windows has no Unix signals) and restricted to loopback callers.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pidFile := filepath.Join(configDir, "traceproof.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Background evidence sweeper with hot-reloadable retention ---
	// The config watcher reloads config.yaml on change; a new sweep
	// interval resets the ticker and a new TTL takes effect on the next
	// sweep, without restarting the server.
	reloadCh := make(chan time.Duration, 1)
	watcher, err := config.NewWatcher(configDir, func() {
		newCfg, loadErr := config.Load(configDir)
		if loadErr != nil {
			fmt.Fprintf(os.Stderr, "[traceproof] Warning: config reload failed: %v\n", loadErr)
			return
		}
		s.evidence.SetTTL(newCfg.RetentionTTL())
		select {
		case reloadCh <- newCfg.SweepEvery():
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	go func() {
		ticker := time.NewTicker(s.cfg.SweepEvery())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed, sweepErr := s.evidence.SweepExpired(time.Now()); sweepErr != nil {
					fmt.Fprintf(os.Stderr, "[traceproof] Warning: sweep failed: %v\n", sweepErr)
				} else if removed > 0 {
					fmt.Printf("[traceproof] Swept %d expired artifact(s)\n", removed)
				}
			case d := <-reloadCh:
				ticker.Reset(d)
				fmt.Printf("[traceproof] Sweep interval now %v\n", d)
			case <-ctx.Done():
				return
			}
		}
	}()

	// --- Serve and block until shutdown ---
	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[traceproof] Listening on http://%s\n", addr)
		if s.cfg.Dashboard.Enabled {
			fmt.Printf("[traceproof] Dashboard at http://%s/dashboard\n", addr)
		}
		if !daemonMode {
			fmt.Println("[traceproof] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[traceproof] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[traceproof] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[traceproof] Shutdown error: %v\n", shutdownErr)
	}

	fmt.Println("[traceproof] Stopped")
	return nil
}

// spawnDaemon re-executes the traceproof binary as a detached background
// process. The parent prints the child PID and exits immediately. The
// child detects TRACEPROOF_DAEMONIZED=1 and runs the server normally.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "traceproof.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"serve"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "TRACEPROOF_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[traceproof] Server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[traceproof] Log file: %s\n", logPath)
	fmt.Println("[traceproof] Use 'traceproof stop' to stop the server")

	// Release the child so it survives parent exit.
	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[traceproof] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

// writePIDFile writes the current process ID to the given file path.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// isLoopback checks if a remote address is a loopback address. Used to
// restrict the /shutdown endpoint to local-only access.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// traceproof stop — Stop the server
// ============================================================================

// stopCmd stops a running server. Tries HTTP shutdown first
// (cross-platform), then falls back to PID file + SIGTERM on Unix.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running traceproof server",
	Long: `Stop a running traceproof server. Tries HTTP shutdown first
(cross-platform), then falls back to PID file + SIGTERM on Unix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	pidFile := filepath.Join(configDir, "traceproof.pid")

	// Strategy 1: HTTP shutdown. Works on all platforms.
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[traceproof] Stop signal sent to server")
			os.Remove(pidFile)
			return nil
		}
	}

	// Strategy 2: PID file + SIGTERM. Unix only.
	if runtime.GOOS == "windows" {
		return fmt.Errorf("server is not responding at %s — cannot stop", addr)
	}

	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("server is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop server (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[traceproof] Sent stop signal to server (PID %d)\n", pid)
	return nil
}

// ============================================================================
// traceproof status — Show server status
// ============================================================================

// statusCmd queries the live server over HTTP for accurate in-memory
// state rather than reading files from disk.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and chain summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[traceproof] Status: NOT RUNNING")
		fmt.Printf("[traceproof] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[traceproof] Status: RUNNING")
	fmt.Printf("[traceproof] Listening on: %s\n", addr)

	statusResp, err := client.Get(addr + "/api/status")
	if err != nil {
		fmt.Println("[traceproof] Could not query chain status (dashboard API may be disabled)")
		return nil
	}
	defer statusResp.Body.Close()

	body, err := io.ReadAll(statusResp.Body)
	if err != nil {
		fmt.Println("[traceproof] Could not read status data")
		return nil
	}

	var status struct {
		Entries       int `json:"entries"`
		UptimeSeconds int `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		fmt.Println("[traceproof] Could not parse status data")
		return nil
	}

	fmt.Printf("[traceproof] Chain entries: %d\n", status.Entries)
	fmt.Printf("[traceproof] Uptime: %ds\n", status.UptimeSeconds)
	return nil
}

// ============================================================================
// traceproof config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit configuration",
	Long: `Manage the traceproof configuration. The config file lives at
~/.traceproof/config.yaml and defines the server bind address, storage
directories, evidence retention, and dashboard toggle.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, config.FileName)
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'traceproof config generate' to create one with defaults.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

// configEditCmd opens the config file in the user's preferred editor.
var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  `Open the traceproof config file in your default editor ($EDITOR or $VISUAL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, config.FileName)

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configDir); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		// exec.Command resolves the editor via PATH; os.StartProcess would
		// need an absolute path.
		fmt.Printf("[traceproof] Opening %s in %s...\n", configPath, editor)
		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	Long: `Write a commented config.yaml with all defaults to the config
directory. Refuses to overwrite an existing file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, config.FileName)
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s — edit it with 'traceproof config edit'", configPath)
		}
		if err := config.WriteDefault(configDir); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[traceproof] Wrote default config to %s\n", configPath)
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

// printEntry prints a single audit entry to stdout.
func printEntry(e audit.Entry) {
	fmt.Println(formatEntry(e))
}

// formatEntry renders one audit entry as a tail/query output line.
func formatEntry(e audit.Entry) string {
	evidenceMark := ""
	if e.Evidence != nil {
		evidenceMark = " evidence=" + shortHash(e.Evidence.ContentHash)
	}
	return fmt.Sprintf("[%s] %-20s status=%-4d tokens=%-6d hash=%s%s",
		e.Timestamp, e.Request.Method, e.Response.Status, e.Response.Tokens,
		shortHash(e.Integrity.LogHash), evidenceMark)
}

// shortHash truncates a hash for display. Entries read back from a
// hand-edited chain file can carry short or empty hashes; those are
// printed as-is rather than sliced.
func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12] + "…"
}
