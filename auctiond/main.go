// Command auctiond runs a single escrowed English auction and answers
// JSON requests over TCP or vsock.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"time"

	golog "github.com/ipfs/go-log/v2"
	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudx-io/escrowauction/cliconfig"
	"github.com/cloudx-io/escrowauction/core"
	"github.com/cloudx-io/escrowauction/escrow"
	"github.com/cloudx-io/escrowauction/feed"
	"github.com/cloudx-io/escrowauction/feed/memfeed"
	"github.com/cloudx-io/escrowauction/feed/redisfeed"
	"github.com/cloudx-io/escrowauction/identity"
	"github.com/cloudx-io/escrowauction/logging"
	"github.com/cloudx-io/escrowauction/metrics"
	"github.com/cloudx-io/escrowauction/store"
)

var (
	daemonName = "auctiond"
	log        = golog.Logger(daemonName)
	v          = viper.New()
)

func init() {
	defaults := core.DefaultConfig()
	flags := []cliconfig.Flag{
		{Name: "env-file", DefValue: ".env", Description: "Optional dotenv file loaded before reading configuration"},
		{Name: "listen-addr", DefValue: ":5000", Description: "TCP listen address, used when vsock-port is zero"},
		{Name: "vsock-port", DefValue: 0, Description: "vsock port to listen on inside a Nitro enclave"},
		{Name: "max-workers", DefValue: 16, Description: "Maximum concurrently handled connections"},
		{Name: "read-timeout", DefValue: 30 * time.Second, Description: "Per-connection request read timeout"},
		{Name: "rate-limit", DefValue: 20.0, Description: "Requests per second allowed per remote host (0 disables)"},
		{Name: "rate-burst", DefValue: 40, Description: "Request burst allowed per remote host"},
		{Name: "auction-id", DefValue: "auction-1", Description: "Identifier of the auction served by this daemon"},
		{Name: "owner", DefValue: "", Description: "Owner identity; required when the auction is created"},
		{Name: "duration", DefValue: defaults.Duration, Description: "Bidding window length"},
		{Name: "extension-window", DefValue: defaults.ExtensionWindow, Description: "Late-bid deadline extension"},
		{Name: "increment-percent", DefValue: int(defaults.IncrementPercent), Description: "Minimum raise over the winning bid, in percent"},
		{Name: "fee-percent", DefValue: int(defaults.FeePercent), Description: "Fee withheld from settlement payouts, in percent"},
		{Name: "datastore-path", DefValue: "", Description: "LevelDB directory for the auction journal (empty keeps it in memory)"},
		{Name: "audit-key-path", DefValue: "", Description: "PEM EC private key used to sign the audit feed (created if missing)"},
		{Name: "redis-addr", DefValue: "", Description: "Redis address for the audit feed (empty keeps it in memory)"},
		{Name: "redis-password", DefValue: "", Description: "Redis password"},
		{Name: "redis-db", DefValue: 0, Description: "Redis database"},
		{Name: "redis-prefix", DefValue: "", Description: "Prefix for audit channel and stream names"},
		{Name: "token-secret", DefValue: "", Description: "HMAC secret for caller identity tokens"},
		{Name: "token-issuer", DefValue: identity.DefaultIssuer, Description: "Issuer claim of caller identity tokens"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address (empty disables)"},
		{Name: "dev-mode", DefValue: false, Description: "Accept deposit requests into the in-process vault"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}
	cobra.OnInitialize(func() {
		v.SetConfigType("json")
		v.SetConfigName("config")
		v.AddConfigPath(os.Getenv("AUCTIOND_PATH"))
		v.AddConfigPath(".")
		_ = v.ReadInConfig()
	})

	cliconfig.ConfigureCLI(v, "AUCTIOND", flags, rootCmd.PersistentFlags())

	tokenCmd.Flags().String("role", "bidder", "Role claim")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	rootCmd.AddCommand(tokenCmd)
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "auctiond runs an escrowed English auction",
	Long:  "auctiond runs an escrowed English auction with anti-sniping extensions and a signed audit feed",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		err := cliconfig.LoadDotEnv(v.GetString("env-file"))
		cliconfig.CheckErrf("loading env file: %v", err)
		cliconfig.ExpandEnvVars(v, v.AllSettings())
		err = logging.ConfigureLogging(v.GetBool("log-debug"), v.GetBool("log-json"))
		cliconfig.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := json.MarshalIndent(redacted(v.AllSettings()), "", "  ")
		cliconfig.CheckErr(err)
		log.Infof("loaded config: %s", string(settings))

		ctx, cancel := context.WithCancel(context.Background())
		d, err := newDaemon(ctx)
		cliconfig.CheckErr(err)

		go func() {
			if err := d.run(ctx); err != nil {
				log.Fatalf("serving: %s", err)
			}
		}()

		cliconfig.HandleInterrupt(func() {
			cancel()
			if err := d.close(); err != nil {
				log.Errorf("closing daemon: %s", err)
			}
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token SUBJECT",
	Short: "Mint a caller identity token",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		role, err := c.Flags().GetString("role")
		cliconfig.CheckErr(err)
		ttl, err := c.Flags().GetDuration("ttl")
		cliconfig.CheckErr(err)

		issuer, err := identity.NewIssuer([]byte(v.GetString("token-secret")), v.GetString("token-issuer"), ttl)
		cliconfig.CheckErr(err)
		token, err := issuer.Issue(core.Identity(args[0]), role)
		cliconfig.CheckErr(err)
		fmt.Println(token)
	},
}

type daemon struct {
	server   *Server
	listener net.Listener
	store    *store.Store
	redis    *redisfeed.Feed
	limiter  *RateLimiter
	metrics  *http.Server
}

func newDaemon(ctx context.Context) (*daemon, error) {
	d := &daemon{}

	st, err := store.Open(v.GetString("datastore-path"))
	if err != nil {
		return nil, err
	}
	d.store = st

	keys, err := LoadOrCreateKeyManager(v.GetString("audit-key-path"))
	if err != nil {
		return nil, err
	}
	signer, err := keys.Signer()
	if err != nil {
		return nil, err
	}

	var pub feed.Publisher
	if addr := v.GetString("redis-addr"); addr != "" {
		d.redis, err = redisfeed.New(ctx, redisfeed.Config{
			Addr:     addr,
			Password: v.GetString("redis-password"),
			DB:       v.GetInt("redis-db"),
			Prefix:   v.GetString("redis-prefix"),
		})
		if err != nil {
			return nil, err
		}
		pub = d.redis
	} else {
		log.Warn("no redis address configured, audit feed is kept in memory")
		pub = memfeed.New()
	}
	auditor, err := feed.NewNotifier(pub, signer)
	if err != nil {
		return nil, err
	}

	auction, vault, err := openAuction(ctx, st, auctionParams{
		ID:    v.GetString("auction-id"),
		Owner: core.Identity(v.GetString("owner")),
		Config: core.Config{
			Duration:         v.GetDuration("duration"),
			ExtensionWindow:  v.GetDuration("extension-window"),
			IncrementPercent: v.GetInt64("increment-percent"),
			FeePercent:       v.GetInt64("fee-percent"),
		},
		Start: time.Now(),
	}, feed.Tee{auditor, metrics.Notifier{}})
	if err != nil {
		return nil, err
	}

	resolver, err := identity.NewResolver([]byte(v.GetString("token-secret")), v.GetString("token-issuer"))
	if err != nil {
		return nil, err
	}

	attester, err := getEnclaveAttester()
	if err != nil {
		log.Warnf("key attestation disabled: %s", err)
		attester = nil
	}

	d.limiter = NewRateLimiter(v.GetFloat64("rate-limit"), v.GetInt("rate-burst"))
	d.limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)

	conf := ServerConfig{
		Auction:     auction,
		Payments:    vault,
		Store:       st,
		Resolver:    resolver,
		Keys:        keys,
		Clock:       core.SystemClock{},
		Attester:    attester,
		Limiter:     d.limiter,
		MaxWorkers:  v.GetInt("max-workers"),
		ReadTimeout: v.GetDuration("read-timeout"),
	}
	if v.GetBool("dev-mode") {
		log.Warn("dev mode enabled, deposits are accepted")
		conf.Vault = vault
	}
	if d.server, err = NewServer(conf); err != nil {
		return nil, err
	}

	if port := v.GetInt("vsock-port"); port > 0 {
		d.listener, err = vsock.Listen(uint32(port), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create vsock listener: %w", err)
		}
		log.Infof("listening on vsock port %d", port)
	} else {
		d.listener, err = net.Listen("tcp", v.GetString("listen-addr"))
		if err != nil {
			return nil, fmt.Errorf("failed to create tcp listener: %w", err)
		}
		log.Infof("listening on %s", d.listener.Addr())
	}

	if addr := v.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := d.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server: %s", err)
			}
		}()
	}
	return d, nil
}

// auctionParams describes the auction to create when the journal has
// no record of it.
type auctionParams struct {
	ID     string
	Owner  core.Identity
	Config core.Config
	Start  time.Time
}

// openAuction restores the configured auction and the vault holding its
// escrow from st, creating both when the journal has no record of them.
func openAuction(ctx context.Context, st *store.Store, params auctionParams, notifier core.Notifier) (*core.Auction, *escrow.Vault, error) {
	id := params.ID
	state, err := st.LoadVault(ctx, id)
	vaultStored := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("loading vault of auction %s: %w", id, err)
	}
	vault, err := escrow.RestoreVault(state, st.VaultLedger(id))
	if err != nil {
		return nil, nil, err
	}

	snap, err := st.Load(ctx, id)
	switch {
	case err == nil:
		held := escrowed(snap)
		if held > 0 && !vaultStored {
			return nil, nil, fmt.Errorf("auction %s owes %d to participants but no vault balances are stored", id, held)
		}
		if balance, _ := vault.Balance(ctx); balance < held {
			log.Warnf("auction %s owes %d to participants, vault escrow holds %d", id, held, balance)
		}
		a, err := core.Restore(snap, vault, core.WithJournal(st), core.WithNotifier(notifier))
		if err != nil {
			return nil, nil, err
		}
		return a, vault, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, nil, fmt.Errorf("loading auction %s: %w", id, err)
	}

	if params.Owner == "" {
		return nil, nil, fmt.Errorf("auction %s does not exist and no owner is configured", id)
	}
	// The vault record is written first so a journaled auction always has one.
	if err := st.SaveVault(ctx, id, vault.State()); err != nil {
		return nil, nil, err
	}
	a, err := core.New(ctx, id, params.Owner, params.Start, vault,
		core.WithConfig(params.Config),
		core.WithJournal(st),
		core.WithNotifier(notifier),
	)
	if err != nil {
		return nil, nil, err
	}
	return a, vault, nil
}

// escrowed sums the balances still owed to participants, saturating at
// math.MaxInt64.
func escrowed(snap core.Snapshot) int64 {
	var held int64
	for _, p := range snap.Participants {
		if p.Balance > math.MaxInt64-held {
			return math.MaxInt64
		}
		held += p.Balance
	}
	return held
}

func (d *daemon) run(ctx context.Context) error {
	return d.server.Serve(ctx, d.listener)
}

func (d *daemon) close() error {
	var errs []error
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, d.metrics.Shutdown(ctx))
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	errs = append(errs, d.store.Close())
	return errors.Join(errs...)
}

func redacted(settings map[string]interface{}) map[string]interface{} {
	for _, key := range []string{"token-secret", "redis-password"} {
		if s, ok := settings[key].(string); ok && s != "" {
			settings[key] = "***"
		}
	}
	return settings
}

func main() {
	cliconfig.CheckErr(rootCmd.Execute())
}
