// Command replikv is a small operator tool over a leveldb-backed replica:
// inspect, write and summarise a local store using the demo scheme set.
//
// Usage:
//
//	replikv [--store DIR] [--config FILE] <command> [args]
//
// Commands:
//
//	set <subspace> <path> <payload>   write an entry (path components split on /)
//	get <subspace> <path>             print the payload at coordinates
//	ls [subspace]                     list entries ordered by path
//	summary                           print the store fingerprint and size
//	forget <subspace> <path>          remove an entry and its payload
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/calvinalkan/replikv"
	"github.com/calvinalkan/replikv/pkg/kv/leveldbkv"
	"github.com/calvinalkan/replikv/pkg/scheme"
)

// Config holds all configuration options.
type Config struct {
	Store     string `json:"store"`
	Namespace string `json:"namespace"`
	Secret    string `json:"secret"`
	Verbose   bool   `json:"verbose,omitempty"`
}

// ConfigFileName is the default config file name, searched for in the
// working directory.
const ConfigFileName = ".replikv.json"

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Store:     "./replikv.db",
		Namespace: "default",
		Secret:    "insecure-dev-secret",
	}
}

// LoadConfig layers the config file at path over the defaults; a missing
// file yields the defaults. Flags are applied on top of the result by run.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("replikv", pflag.ContinueOnError)
	storeFlag := flags.String("store", "", "store directory (overrides config)")
	configFlag := flags.String("config", ConfigFileName, "config file path")
	verboseFlag := flags.Bool("verbose", false, "log replica internals")

	err := flags.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := LoadConfig(*configFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *storeFlag != "" {
		cfg.Store = *storeFlag
	}
	if *verboseFlag {
		cfg.Verbose = true
	}

	rest := flags.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: replikv <set|get|ls|summary|forget> [args]")
		return 2
	}

	err = dispatch(cfg, rest[0], rest[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "replikv:", err)
		return 1
	}

	return 0
}

func dispatch(cfg Config, command string, args []string) error {
	replica, err := openReplica(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = replica.Close() }()

	ctx := context.Background()

	switch command {
	case "set":
		if len(args) != 3 {
			return errors.New("set needs <subspace> <path> <payload>")
		}

		res, err := replica.Set(ctx, replikv.SetInput{
			Subspace: scheme.ID(args[0]),
			Path:     parsePath(args[1]),
			Payload:  []byte(args[2]),
		}, nil)
		if err != nil {
			return err
		}

		if res.Outcome != replikv.OutcomeSuccess {
			fmt.Printf("not stored (outcome %d)\n", res.Outcome)
			return nil
		}

		fmt.Printf("stored at t=%d\n", res.Entry.Timestamp)
		return nil

	case "get":
		if len(args) != 2 {
			return errors.New("get needs <subspace> <path>")
		}

		target := parsePath(args[1])

		results, err := replica.Query(ctx, replikv.Area{
			Subspace:   scheme.ID(args[0]),
			PathPrefix: target,
		}, replikv.OrderPath, replikv.QueryOptions{})
		if err != nil {
			return err
		}

		for _, res := range results {
			if replikv.ComparePaths(res.Entry.Path, target) != 0 {
				continue
			}
			if res.Payload == nil {
				return errors.New("payload bytes not held locally")
			}

			_, err = os.Stdout.Write(res.Payload.Bytes())
			return err
		}

		return errors.New("no entry at coordinates")

	case "ls":
		area := replikv.FullArea()
		if len(args) == 1 {
			area.Subspace = scheme.ID(args[0])
		}

		results, err := replica.Query(ctx, area, replikv.OrderPath, replikv.QueryOptions{})
		if err != nil {
			return err
		}

		for _, res := range results {
			fmt.Printf("%s\t%s\tt=%d\t%d bytes\n",
				strings.TrimRight(string(res.Entry.Subspace), "\x00"),
				formatPath(res.Entry.Path),
				res.Entry.Timestamp,
				res.Entry.PayloadLength,
			)
		}
		return nil

	case "summary":
		fp, size, err := replica.Summarise(replikv.FullArea(), 0, 0)
		if err != nil {
			return err
		}

		fmt.Printf("%s\t%d entries\n", hex.EncodeToString(fp), size)
		return nil

	case "forget":
		if len(args) != 2 {
			return errors.New("forget needs <subspace> <path>")
		}

		return replica.Forget(ctx, scheme.ID(args[0]), parsePath(args[1]))

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func openReplica(cfg Config) (*replikv.Replica, error) {
	driver, err := leveldbkv.Open(cfg.Store)
	if err != nil {
		return nil, err
	}

	opts := []replikv.Option{}
	if cfg.Verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		opts = append(opts, replikv.WithLogger(log.Sugar()))
	}

	replica, err := replikv.Open(driver, scheme.ID(cfg.Namespace), scheme.New([]byte(cfg.Secret)), opts...)
	if err != nil {
		_ = driver.Close()
		return nil, err
	}

	return replica, nil
}

// parsePath splits a slash-separated path into components.
func parsePath(s string) replikv.Path {
	if s == "" {
		return replikv.Path{}
	}

	parts := strings.Split(s, "/")
	p := make(replikv.Path, len(parts))
	for i, part := range parts {
		p[i] = []byte(part)
	}
	return p
}

func formatPath(p replikv.Path) string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = string(c)
	}
	return strings.Join(parts, "/")
}
