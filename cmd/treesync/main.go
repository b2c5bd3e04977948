// Command treesync is a small CLI for inspecting and mutating a
// database instance: read or write a location, push to a list, or
// watch a location for changes until interrupted.
//
// Usage:
//
//	treesync -url https://demo.example.com get /users/alice
//	treesync -url https://demo.example.com set /users/alice/age 31
//	treesync -url https://demo.example.com push /messages '{"body":"hi"}'
//	treesync -url https://demo.example.com watch /messages
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/treesync/treesync/database"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	url := flag.String("url", "", "database URL, overrides the config file")
	token := flag.String("token", "", "auth token attached to every request")
	flag.Parse()

	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: treesync [flags] <get|set|update|remove|push|watch> <path> [json]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg := database.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = database.LoadConfig(*configPath); err != nil {
			fatal(err)
		}
	}
	if *url != "" {
		cfg.URL = *url
	}
	if *token != "" {
		cfg.Tokens = database.StaticTokens{ID: *token}
	}

	db, err := database.New(cfg)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = db.Close() }()

	if err := run(db, flag.Arg(0), flag.Arg(1), flag.Args()[2:]); err != nil {
		fatal(err)
	}
}

func run(db *database.Database, verb, path string, rest []string) error {
	ctx := context.Background()
	ref, err := db.Ref(path)
	if err != nil {
		return err
	}

	switch verb {
	case "get":
		snap, err := ref.Get(ctx)
		if err != nil {
			return err
		}
		return print(snap.Value())
	case "set":
		value, err := parseArg(rest)
		if err != nil {
			return err
		}
		return ref.Set(ctx, value)
	case "update":
		value, err := parseArg(rest)
		if err != nil {
			return err
		}
		updates, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("update requires a JSON object")
		}
		return ref.Update(ctx, updates)
	case "remove":
		return ref.Remove(ctx)
	case "push":
		value, err := parseArg(rest)
		if err != nil {
			return err
		}
		child, err := ref.PushValue(ctx, value)
		if err != nil {
			return err
		}
		fmt.Println(child.Key())
		return nil
	case "watch":
		return watch(ref)
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}

func watch(ref *database.Reference) error {
	sub, err := ref.OnValue(func(snap database.DataSnapshot, err error) {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		if err := print(snap.Value()); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	<-stopCh
	return nil
}

func parseArg(rest []string) (any, error) {
	if len(rest) == 0 {
		return nil, fmt.Errorf("missing JSON value argument")
	}
	var value any
	if err := json.Unmarshal([]byte(rest[0]), &value); err != nil {
		// A bare word is taken as a string.
		return rest[0], nil
	}
	return value, nil
}

func print(value any) error {
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
