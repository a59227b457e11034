// Command storeutil is a playground CLI exercising every public
// operation of pkg/store.
//
// Usage:
//
//	storeutil put --dir <dir> <id|auto> <file>
//	storeutil get --dir <dir> <id>
//	storeutil delete --dir <dir> <id>
//	storeutil each --dir <dir>
//	storeutil check --dir <dir> [--repair]
//	storeutil sweep --dir <dir> <marked-id>...
//	storeutil defragment --dir <dir>
//	storeutil refresh --dir <dir>
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/hollow-tree/objstore/pkg/fs"
	"github.com/hollow-tree/objstore/pkg/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage())
	}

	switch args[0] {
	case "put":
		return cmdPut(args[1:])
	case "get":
		return cmdGet(args[1:])
	case "delete", "rm":
		return cmdDelete(args[1:])
	case "each", "ls":
		return cmdEach(args[1:])
	case "check":
		return cmdCheck(args[1:])
	case "sweep":
		return cmdSweep(args[1:])
	case "defragment", "defrag":
		return cmdDefragment(args[1:])
	case "refresh":
		return cmdRefresh(args[1:])
	case "help", "-h", "--help":
		fmt.Println(usage())
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n%s", args[0], usage())
	}
}

func usage() string {
	return `storeutil - exerciser CLI for pkg/store

Commands:
  put --dir <dir> <id> <file>          Write the file's contents under id
  get --dir <dir> <id>                 Print the record's contents to stdout
  delete, rm --dir <dir> <id>          Delete a record
  each, ls --dir <dir>                 List every (id, offset) pair
  check --dir <dir> [--repair]         Verify consistency, optionally repair
  sweep --dir <dir> <marked-id>...     Mark the given ids, then sweep the rest
  defragment, defrag --dir <dir>       Compact the blob file
  refresh --dir <dir>                  Rewrite every record in place

Flags accept a tree order and cache capacity override; a storeutil.json
file in the working directory can pin defaults (see config.go).`
}

// commonFlags registers --dir/--order/--cache-capacity shared by every
// subcommand and returns pointers to their values; openStore merges them
// with storeutil.json.
func commonFlags(fset *flag.FlagSet) (dir *string, order *int, cache *int) {
	dir = fset.String("dir", "", "store directory")
	order = fset.Int("order", 0, "B+Tree order override")
	cache = fset.Int("cache-capacity", 0, "node cache capacity override")

	return dir, order, cache
}

func openStore(ctx context.Context, dirFlag string, orderFlag, cacheFlag int) (*store.Store, error) {
	cfg, err := loadToolConfig()
	if err != nil {
		return nil, err
	}

	dir := dirFlag
	if dir == "" {
		dir = cfg.Dir
	}
	if dir == "" {
		return nil, errors.New("no store directory given (--dir or storeutil.json)")
	}

	order := orderFlag
	if order == 0 {
		order = cfg.TreeOrder
	}

	cacheCapacity := cacheFlag
	if cacheCapacity == 0 {
		cacheCapacity = cfg.CacheCapacity
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	return store.Open(ctx, store.Options{
		Dir:           dir,
		TreeOrder:     order,
		CacheCapacity: cacheCapacity,
		Logger:        &logger,
		FS:            fs.NewReal(),
	})
}

// parseID accepts a decimal id, or the literal "auto" to mint a fresh one.
// An auto id is derived from a UUIDv7's high 64 bits (its millisecond
// timestamp and sequence bits), so ids minted later
// sort after ids minted earlier (modulo the rare wraparound at the
// millisecond boundary) without the caller tracking a counter themselves.
func parseID(s string) (uint64, error) {
	if s == "auto" {
		return autoID()
	}

	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}

	return id, nil
}

func autoID() (uint64, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return 0, fmt.Errorf("mint id: %w", err)
	}

	return binary.BigEndian.Uint64(id[0:8]), nil
}

func cmdPut(args []string) error {
	fset := flag.NewFlagSet("put", flag.ContinueOnError)
	dir, order, cache := commonFlags(fset)

	if err := fset.Parse(args); err != nil {
		return err
	}

	rest := fset.Args()
	if len(rest) != 2 {
		return errors.New("usage: storeutil put --dir <dir> <id|auto> <file>")
	}

	id, err := parseID(rest[0])
	if err != nil {
		return err
	}

	data, err := os.ReadFile(rest[1])
	if err != nil {
		return fmt.Errorf("read %s: %w", rest[1], err)
	}

	ctx := context.Background()

	s, err := openStore(ctx, *dir, *order, *cache)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.Put(ctx, id, data); err != nil {
		return fmt.Errorf("put %d: %w", id, err)
	}

	fmt.Printf("put %d (%d bytes)\n", id, len(data))

	return nil
}

func cmdGet(args []string) error {
	fset := flag.NewFlagSet("get", flag.ContinueOnError)
	dir, order, cache := commonFlags(fset)

	if err := fset.Parse(args); err != nil {
		return err
	}

	rest := fset.Args()
	if len(rest) != 1 {
		return errors.New("usage: storeutil get --dir <dir> <id>")
	}

	id, err := parseID(rest[0])
	if err != nil {
		return err
	}

	ctx := context.Background()

	s, err := openStore(ctx, *dir, *order, *cache)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	data, found, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get %d: %w", id, err)
	}
	if !found {
		return fmt.Errorf("id %d not found", id)
	}

	_, err = os.Stdout.Write(data)

	return err
}

func cmdDelete(args []string) error {
	fset := flag.NewFlagSet("delete", flag.ContinueOnError)
	dir, order, cache := commonFlags(fset)

	if err := fset.Parse(args); err != nil {
		return err
	}

	rest := fset.Args()
	if len(rest) != 1 {
		return errors.New("usage: storeutil delete --dir <dir> <id>")
	}

	id, err := parseID(rest[0])
	if err != nil {
		return err
	}

	ctx := context.Background()

	s, err := openStore(ctx, *dir, *order, *cache)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	deleted, err := s.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete %d: %w", id, err)
	}
	if !deleted {
		return fmt.Errorf("id %d not found", id)
	}

	fmt.Printf("deleted %d\n", id)

	return nil
}

func cmdEach(args []string) error {
	fset := flag.NewFlagSet("each", flag.ContinueOnError)
	dir, order, cache := commonFlags(fset)

	if err := fset.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()

	s, err := openStore(ctx, *dir, *order, *cache)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	return s.Each(func(id, offset uint64) bool {
		fmt.Printf("%d\t%d\n", id, offset)
		return true
	})
}

func cmdCheck(args []string) error {
	fset := flag.NewFlagSet("check", flag.ContinueOnError)
	dir, order, cache := commonFlags(fset)
	repair := fset.Bool("repair", false, "attempt to repair inconsistencies found")

	if err := fset.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()

	s, err := openStore(ctx, *dir, *order, *cache)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	report, err := s.Check(ctx, *repair)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	fmt.Printf("ok=%v errors=%d repaired=%v\n", report.OK(), report.ErrorCount(), report.Repaired)

	for _, e := range report.Blob.Errors {
		fmt.Println("blob:", e)
	}
	for _, e := range report.FreeSpace.Errors {
		fmt.Println("free-space:", e)
	}
	for _, e := range report.Index.Errors {
		fmt.Println("index:", e)
	}

	if !report.OK() {
		return errors.New("inconsistencies found")
	}

	return nil
}

func cmdSweep(args []string) error {
	fset := flag.NewFlagSet("sweep", flag.ContinueOnError)
	dir, order, cache := commonFlags(fset)

	if err := fset.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()

	s, err := openStore(ctx, *dir, *order, *cache)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.ClearMarks(); err != nil {
		return fmt.Errorf("clear marks: %w", err)
	}

	for _, arg := range fset.Args() {
		id, err := parseID(arg)
		if err != nil {
			return err
		}

		if err := s.Mark(id); err != nil {
			return fmt.Errorf("mark %d: %w", id, err)
		}
	}

	deleted, err := s.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	fmt.Printf("deleted %d records\n", len(deleted))

	for _, id := range deleted {
		fmt.Println(id)
	}

	return nil
}

func cmdDefragment(args []string) error {
	fset := flag.NewFlagSet("defragment", flag.ContinueOnError)
	dir, order, cache := commonFlags(fset)

	if err := fset.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()

	s, err := openStore(ctx, *dir, *order, *cache)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	return s.Defragment(ctx, func(done, total int64) {
		fmt.Printf("\rdefragmenting... %d/%d", done, total)
	})
}

func cmdRefresh(args []string) error {
	fset := flag.NewFlagSet("refresh", flag.ContinueOnError)
	dir, order, cache := commonFlags(fset)

	if err := fset.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()

	s, err := openStore(ctx, *dir, *order, *cache)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	return s.Refresh(ctx, func(done, total int64) {
		fmt.Printf("\rrefreshing... %d/%d", done, total)
	})
}
