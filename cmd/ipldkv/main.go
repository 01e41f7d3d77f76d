// Command ipldkv reads and writes a local IPLD block store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"github.com/mikeal/ipld-store/internal/logging"
	"github.com/mikeal/ipld-store/pkg/archive"
	"github.com/mikeal/ipld-store/pkg/cidutil"
	"github.com/mikeal/ipld-store/pkg/core"
	"github.com/mikeal/ipld-store/pkg/ipldstore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	dir        string
	backend    string
	transform  string
	unsafe     bool
	follow     bool
	logLevel   string
	logFormat  string
}

func run(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("ipldkv", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	flagSet.StringVarP(&opts.dir, "dir", "d", "", "store directory (overrides config)")
	flagSet.StringVar(&opts.backend, "engine", "", "engine backend: pebble or bolt")
	flagSet.StringVar(&opts.transform, "transform", "", "at-rest transform: none or zstd")
	flagSet.BoolVar(&opts.unsafe, "unsafe", false, "skip hash validation on writes")
	flagSet.BoolVarP(&opts.follow, "follow", "f", false, "ls: keep listing new keys until interrupted")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&opts.logFormat, "log-format", "", "text or json")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stderr, flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(stderr, flagSet)
		return errors.New("missing command")
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logging.InitWriter(stderr, cfg.Log.Level, cfg.Log.Format)

	cmd, rest := args[0], args[1:]
	want, ok := arity[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(rest) != want {
		return fmt.Errorf("%s takes %d argument(s), got %d", cmd, want, len(rest))
	}

	s, err := ipldstore.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	switch cmd {
	case "put":
		return putCmd(ctx, s, stdin, stdout)
	case "get":
		return getCmd(ctx, s, rest[0], stdout)
	case "has":
		return hasCmd(ctx, s, rest[0], stdout)
	case "rm":
		return s.Delete(ctx, rest[0])
	case "stat":
		return statCmd(ctx, s, rest[0], stdout)
	case "ls":
		return lsCmd(ctx, s, opts.follow, stdout)
	case "add":
		return addCmd(ctx, s, stdin, stdout)
	case "export":
		return exportCmd(ctx, s, cfg, rest[0], stdout)
	case "import":
		return importCmd(ctx, s, rest[0], stdout)
	}
	return nil
}

var arity = map[string]int{
	"put": 0, "get": 1, "has": 1, "rm": 1, "stat": 1, "ls": 0,
	"add": 0, "export": 1, "import": 1,
}

func loadConfig(opts options) (core.Config, error) {
	cfg := core.Defaults()
	if opts.configPath != "" {
		var err error
		if cfg, err = core.LoadConfig(opts.configPath); err != nil {
			return core.Config{}, err
		}
	}
	if opts.dir != "" {
		cfg.Dir = opts.dir
	}
	if opts.backend != "" {
		cfg.Engine.Backend = opts.backend
	}
	if opts.transform != "" {
		cfg.Transform.Name = opts.transform
	}
	if opts.unsafe {
		cfg.SkipValidation = true
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	return cfg, nil
}

func putCmd(ctx context.Context, s ipldstore.Store, stdin io.Reader, stdout io.Writer) error {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return err
	}
	c, err := cidutil.NewBuilder().ChunkCID(data)
	if err != nil {
		return err
	}
	if err := s.Put(ctx, c, data); err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, c)
	return err
}

func getCmd(ctx context.Context, s ipldstore.Store, id string, stdout io.Writer) error {
	data, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = stdout.Write(data)
	return err
}

func hasCmd(ctx context.Context, s ipldstore.Store, id string, stdout io.Writer) error {
	ok, err := s.Has(ctx, id)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, ok)
	return err
}

func statCmd(ctx context.Context, s ipldstore.Store, id string, stdout io.Writer) error {
	c, err := cidutil.Parse(id)
	if err != nil {
		return err
	}
	info, err := cidutil.Describe(c)
	if err != nil {
		return err
	}
	data, err := s.Get(ctx, c)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "cid:       %s\nversion:   %d\ncodec:     %s\nalgorithm: %s\ndigest:    %x\nsize:      %d\n",
		c, info.Version, info.Codec, info.Algorithm, info.Digest, len(data))
	return err
}

func lsCmd(ctx context.Context, s ipldstore.Store, follow bool, stdout io.Writer) error {
	for key, err := range s.ChangeFeed(ctx, follow) {
		if err != nil {
			if follow && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if _, err := fmt.Fprintln(stdout, key); err != nil {
			return err
		}
	}
	return nil
}

func addCmd(ctx context.Context, s ipldstore.Store, stdin io.Reader, stdout io.Writer) error {
	cids, err := s.AddStream(ctx, stdin)
	if err != nil {
		return err
	}
	for _, c := range cids {
		if _, err := fmt.Fprintln(stdout, c); err != nil {
			return err
		}
	}
	return nil
}

func exportCmd(ctx context.Context, s ipldstore.Store, cfg core.Config, path string, stdout io.Writer) error {
	root, err := archive.Export(ctx, s, path, archive.WithBackend(cfg.Engine.Backend))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, root)
	return err
}

func importCmd(ctx context.Context, s ipldstore.Store, path string, stdout io.Writer) error {
	w := s.NewBulkWriter(0)
	snap, err := archive.Import(ctx, w, path)
	if cerr := w.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "imported %d blocks (%d bytes)\n", snap.Count, snap.Bytes)
	return err
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `ipldkv reads and writes a local IPLD block store.

Usage:
  ipldkv [flags] <command> [args]

Commands:
  put            store stdin as one raw block, print its CID
  get <cid>      write a block to stdout
  has <cid>      print true or false
  rm <cid>       delete a block
  stat <cid>     describe a CID and the size of its block
  ls             list stored CIDs (--follow to keep listing)
  add            chunk stdin into raw blocks, print their CIDs
  export <file>  write every block to a CAR file, print the root
  import <file>  load every block from a CAR file

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}
