// Command kernel is a small CLI exercising the bring-up path end to
// end, built on github.com/google/subcommands rather than bare
// flag.FlagSet for its subcommand dispatch.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"kore/bootcfg"
	"kore/boot"
	"kore/fsops"
	"kore/scope"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&bootCmd{}, "")
	subcommands.Register(&pgstatCmd{}, "")
	subcommands.Register(&irqstatCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// loadConfig reads a boot descriptor from path, falling back to
// bootcfg.Default() when path is empty or when bootcfg.Load fails (the
// error is printed to stderr first).
func loadConfig(path string) *bootcfg.Descriptor {
	if path == "" {
		return bootcfg.Default()
	}
	cfg, err := bootcfg.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: failed to load %s: %v, using defaults\n", path, err)
		return bootcfg.Default()
	}
	return cfg
}

type bootCmd struct {
	configPath string
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "bring up the kernel core and report readiness" }
func (*bootCmd) Usage() string {
	return "boot [-config path.toml]\n  Initializes the frame allocator, address spaces, scheduler, interrupt table, and VFS layer.\n"
}
func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML boot descriptor")
}

func (c *bootCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := loadConfig(c.configPath)
	k, err := boot.Bringup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: bring-up failed: %v\n", err)
		return subcommands.ExitFailure
	}

	sc := k.MountRoot(1, fsops.NewMemfs(), scope.AllVerbs)
	_ = sc

	total, used := k.Alloc.Stats()
	fmt.Printf("cores: %d  domains: %d  frames: %d total, %d used\n",
		len(k.Cores), len(k.Domains), total, used)
	return subcommands.ExitSuccess
}

type pgstatCmd struct {
	configPath string
}

func (*pgstatCmd) Name() string     { return "pgstat" }
func (*pgstatCmd) Synopsis() string { return "report physical frame allocator usage" }
func (*pgstatCmd) Usage() string    { return "pgstat [-config path.toml]\n" }
func (c *pgstatCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML boot descriptor")
}

func (c *pgstatCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := loadConfig(c.configPath)
	k, err := boot.Bringup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: bring-up failed: %v\n", err)
		return subcommands.ExitFailure
	}
	total, used := k.Alloc.Stats()
	fmt.Printf("frames: total=%d used=%d free=%d\n", total, used, total-used)
	for _, c := range k.Cores {
		idle := c.Idle
		userns, sysns := idle.Accnt.Snapshot()
		fmt.Printf("core %d: idle switches=%d userns=%d sysns=%d\n", c.Id, idle.Switches, userns, sysns)
	}
	return subcommands.ExitSuccess
}

type irqstatCmd struct {
	configPath string
}

func (*irqstatCmd) Name() string     { return "irqstat" }
func (*irqstatCmd) Synopsis() string { return "report interrupt line penalty allocation" }
func (*irqstatCmd) Usage() string    { return "irqstat [-config path.toml]\n" }
func (c *irqstatCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML boot descriptor")
}

func (c *irqstatCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg := loadConfig(c.configPath)
	k, err := boot.Bringup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernel: bring-up failed: %v\n", err)
		return subcommands.ExitFailure
	}
	for line := 0; line < 4; line++ {
		fmt.Printf("line %d: penalty=%d\n", line, k.IRQ.GetPenalty(line))
	}
	return subcommands.ExitSuccess
}
