// Command blockfsctl is a small demo/debug CLI over a blockfs image
// file: format it, then create/write/read/list/remove entries without
// mounting a real kernel filesystem driver. Grounded on
// calvinalkan-agent-task's internal/cli (Command/pflag.FlagSet dispatch
// pattern) and
// TheReallyRealWanderer-WiCOS64-Remote-Storage-Server's cmd/w64tool
// (top-level switch-on-subcommand shape).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/wicos64/blockfs/blockfs"
	"github.com/wicos64/blockfs/internal/block"
	"github.com/wicos64/blockfs/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}

	cmd := strings.ToLower(args[0])
	rest := args[1:]

	switch cmd {
	case "format":
		return cmdFormat(rest)
	case "create":
		return cmdCreate(rest)
	case "mkdir":
		return cmdMkdir(rest)
	case "write":
		return cmdWrite(rest)
	case "read":
		return cmdRead(rest)
	case "ls":
		return cmdLs(rest)
	case "rm":
		return cmdRemove(rest)
	case "help", "-h", "--help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "blockfsctl: unknown command %q\n", cmd)
		usage()
		return 2
	}
}

func usage() {
	fmt.Println(`Usage: blockfsctl <command> [flags]

Commands:
  format  --image <path> --sectors <n> [--metrics]  create a new image
  create  --image <path> [--metrics] <path>         create an empty file
  mkdir   --image <path> [--metrics] <path>         create a directory
  write   --image <path> [--metrics] <path> <text>  write text at offset 0
  read    --image <path> [--metrics] <path>         print file contents
  ls      --image <path> [--metrics] [<path>]       list a directory (default /)
  rm      --image <path> [--metrics] <path>         remove an entry

--metrics prints the mounted cache's hit/miss/eviction/flush counters,
gathered from a per-run Prometheus registry, after the command finishes.`)
}

func flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs
}

// setupMetrics builds a fresh Prometheus registry and the blockfs.Option
// that wires it into the mounted cache, when --metrics was requested.
func setupMetrics(enabled bool) (*prometheus.Registry, []blockfs.Option) {
	if !enabled {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	return reg, []blockfs.Option{blockfs.WithMetrics(reg)}
}

// printMetrics gathers and prints every counter registered in reg. reg is
// nil (and this is a no-op) whenever --metrics wasn't passed.
func printMetrics(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	families, err := reg.Gather()
	if err != nil {
		fmt.Fprintln(os.Stderr, "metrics:", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				fmt.Printf("%s %g\n", mf.GetName(), c.GetValue())
			}
		}
	}
}

func cmdFormat(args []string) int {
	fset := flagSet("format")
	image := fset.String("image", "", "path to the image file")
	sectors := fset.Uint32("sectors", 8192, "number of sectors to format")
	metrics := fset.Bool("metrics", false, "print cache metrics after formatting")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if *image == "" {
		fmt.Fprintln(os.Stderr, "blockfsctl format: --image is required")
		return 2
	}

	dev, err := block.OpenFileDevice(*image, *sectors)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer dev.Close()

	reg, opts := setupMetrics(*metrics)
	cfg := config.Default()
	cfg.NumSectors = *sectors
	ctx := context.Background()
	fs, err := blockfs.Format(ctx, dev, cfg, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	if err := fs.Unmount(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("formatted %s (%d sectors)\n", *image, *sectors)
	printMetrics(reg)
	return 0
}

func withMountedFS(image string, metrics bool, fn func(ctx context.Context, fs *blockfs.FileSystem) error) int {
	if image == "" {
		fmt.Fprintln(os.Stderr, "blockfsctl: --image is required")
		return 2
	}
	dev, err := block.OpenFileDevice(image, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer dev.Close()

	reg, opts := setupMetrics(metrics)
	ctx := context.Background()
	fs, err := blockfs.Mount(ctx, dev, config.Default(), opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer fs.Unmount(ctx)

	if err := fn(ctx, fs); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	printMetrics(reg)
	return 0
}

func cmdCreate(args []string) int {
	fset := flagSet("create")
	image := fset.String("image", "", "path to the image file")
	metrics := fset.Bool("metrics", false, "print cache metrics after the operation")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "blockfsctl create: <path> is required")
		return 2
	}
	path := fset.Arg(0)
	return withMountedFS(*image, *metrics, func(ctx context.Context, fs *blockfs.FileSystem) error {
		return fs.Create(ctx, path, false)
	})
}

func cmdMkdir(args []string) int {
	fset := flagSet("mkdir")
	image := fset.String("image", "", "path to the image file")
	metrics := fset.Bool("metrics", false, "print cache metrics after the operation")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "blockfsctl mkdir: <path> is required")
		return 2
	}
	path := fset.Arg(0)
	return withMountedFS(*image, *metrics, func(ctx context.Context, fs *blockfs.FileSystem) error {
		return fs.Create(ctx, path, true)
	})
}

func cmdWrite(args []string) int {
	fset := flagSet("write")
	image := fset.String("image", "", "path to the image file")
	metrics := fset.Bool("metrics", false, "print cache metrics after the operation")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "blockfsctl write: <path> <text> are required")
		return 2
	}
	path, text := fset.Arg(0), fset.Arg(1)
	return withMountedFS(*image, *metrics, func(ctx context.Context, fs *blockfs.FileSystem) error {
		f, err := fs.Open(ctx, path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(ctx, []byte(text))
		return err
	})
}

func cmdRead(args []string) int {
	fset := flagSet("read")
	image := fset.String("image", "", "path to the image file")
	metrics := fset.Bool("metrics", false, "print cache metrics after the operation")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "blockfsctl read: <path> is required")
		return 2
	}
	path := fset.Arg(0)
	return withMountedFS(*image, *metrics, func(ctx context.Context, fs *blockfs.FileSystem) error {
		f, err := fs.Open(ctx, path)
		if err != nil {
			return err
		}
		defer f.Close()

		buf := make([]byte, f.Length())
		n, err := f.ReadAt(ctx, buf, 0)
		if err != nil {
			return err
		}
		os.Stdout.Write(buf[:n])
		fmt.Println()
		return nil
	})
}

func cmdLs(args []string) int {
	fset := flagSet("ls")
	image := fset.String("image", "", "path to the image file")
	metrics := fset.Bool("metrics", false, "print cache metrics after the operation")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	path := "/"
	if fset.NArg() >= 1 {
		path = fset.Arg(0)
	}
	return withMountedFS(*image, *metrics, func(ctx context.Context, fs *blockfs.FileSystem) error {
		names, err := fs.ListDir(ctx, path)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	})
}

func cmdRemove(args []string) int {
	fset := flagSet("rm")
	image := fset.String("image", "", "path to the image file")
	metrics := fset.Bool("metrics", false, "print cache metrics after the operation")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "blockfsctl rm: <path> is required")
		return 2
	}
	path := fset.Arg(0)
	return withMountedFS(*image, *metrics, func(ctx context.Context, fs *blockfs.FileSystem) error {
		return fs.Remove(ctx, path)
	})
}
