// dmctl is a small dmsetup-style front end for the devmapper library. It
// exists mostly for poking at the control interface by hand; anything
// serious should use the library directly.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/blkmapper/devmapper"
	"github.com/blkmapper/devmapper/internal/logging"
)

var (
	flagControlPath string
	flagLogLevel    string
	flagJSON        bool
	flagByUUID      bool
)

func main() {
	app := &cli.Command{
		Name:  "dmctl",
		Usage: "device-mapper control-plane client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "control",
				Usage:       "path to the control device",
				Value:       "/dev/mapper/control",
				Destination: &flagControlPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "warn",
				Destination: &flagLogLevel,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "emit machine-readable JSON",
				Destination: &flagJSON,
			},
			&cli.BoolFlag{
				Name:        "by-uuid",
				Aliases:     []string{"u"},
				Usage:       "treat device arguments as uuids instead of names",
				Destination: &flagByUUID,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			versionCmd(),
			lsCmd(),
			targetsCmd(),
			infoCmd(),
			createCmd(),
			removeCmd(),
			renameCmd(),
			suspendCmd(),
			resumeCmd(),
			loadCmd(),
			clearCmd(),
			depsCmd(),
			tableCmd(),
			statusCmd(),
			messageCmd(),
			waitCmd(),
			removeAllCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDM() (*devmapper.DM, error) {
	level := logging.LevelWarn
	switch flagLogLevel {
	case "debug":
		level = logging.LevelDebug
	case "info":
		level = logging.LevelInfo
	case "error":
		level = logging.LevelError
	}
	logger := logging.NewLogger(&logging.Config{
		Level:  level,
		Format: "text",
		Output: os.Stderr,
		Sync:   true,
	})

	return devmapper.New(
		devmapper.WithControlPath(flagControlPath),
		devmapper.WithLogger(logger),
	)
}

// deviceArg resolves the first positional argument into a name or uuid
// depending on --by-uuid.
func deviceArg(cmd *cli.Command) (devmapper.DevID, error) {
	arg := cmd.Args().First()
	if arg == "" {
		return nil, cli.Exit("error: device argument required", 1)
	}
	if flagByUUID {
		return devmapper.NewUUID(arg)
	}
	return devmapper.NewName(arg)
}

func emit(v any) error {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Println(v)
	return nil
}

func printInfo(info *devmapper.DeviceInfo) error {
	if flagJSON {
		return emit(info)
	}
	fmt.Printf("Name:         %s\n", info.Name)
	if info.UUID != "" {
		fmt.Printf("UUID:         %s\n", info.UUID)
	}
	fmt.Printf("Device:       %s\n", info.Dev)
	fmt.Printf("Open count:   %d\n", info.OpenCount)
	fmt.Printf("Target count: %d\n", info.TargetCount)
	fmt.Printf("Event number: %d\n", info.EventNr)
	fmt.Printf("Suspended:    %v\n", info.SuspendedState())
	fmt.Printf("Tables:       active=%v inactive=%v\n",
		info.ActiveTablePresent(), info.InactiveTablePresent())
	return nil
}

func printTable(table []devmapper.TargetLine) error {
	if flagJSON {
		return emit(table)
	}
	for _, line := range table {
		fmt.Println(line)
	}
	return nil
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Report the kernel driver version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			major, minor, patch, err := dm.Version()
			if err != nil {
				return err
			}
			if flagJSON {
				return emit(map[string]uint32{"major": major, "minor": minor, "patch": patch})
			}
			fmt.Printf("%d.%d.%d\n", major, minor, patch)
			return nil
		},
	}
}

func lsCmd() *cli.Command {
	return &cli.Command{
		Name:    "ls",
		Aliases: []string{"list"},
		Usage:   "List device-mapper devices",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			devs, err := dm.ListDevices()
			if err != nil {
				return err
			}
			if flagJSON {
				return emit(devs)
			}
			for _, d := range devs {
				if d.EventNr != nil {
					fmt.Printf("%-40s %-8s event=%d\n", d.Name, d.Dev, *d.EventNr)
				} else {
					fmt.Printf("%-40s %-8s\n", d.Name, d.Dev)
				}
			}
			return nil
		},
	}
}

func targetsCmd() *cli.Command {
	return &cli.Command{
		Name:  "targets",
		Usage: "List target types loaded in the kernel",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			versions, err := dm.ListVersions()
			if err != nil {
				return err
			}
			if flagJSON {
				return emit(versions)
			}
			for _, v := range versions {
				fmt.Printf("%-20s v%d.%d.%d\n", v.Name, v.Major, v.Minor, v.Patch)
			}
			return nil
		},
	}
}

func infoCmd() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Show device state",
		ArgsUsage: "<device>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			info, err := dm.DeviceInfo(id)
			if err != nil {
				return err
			}
			return printInfo(info)
		},
	}
}

func createCmd() *cli.Command {
	var (
		uuidArg    string
		randomUUID bool
		readOnly   bool
	)
	return &cli.Command{
		Name:      "create",
		Usage:     "Create a device (without a table)",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "uuid",
				Usage:       "uuid to attach permanently to the device, or \"auto\" to generate one",
				Destination: &uuidArg,
			},
			&cli.BoolFlag{
				Name:        "random-uuid",
				Usage:       "generate and attach a random uuid",
				Destination: &randomUUID,
			},
			&cli.BoolFlag{
				Name:        "read-only",
				Usage:       "create the device read-only",
				Destination: &readOnly,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := devmapper.NewName(cmd.Args().First())
			if err != nil {
				return err
			}

			if randomUUID || uuidArg == "auto" {
				uuidArg = uuid.NewString()
			}
			var devUUID devmapper.UUID
			if uuidArg != "" {
				devUUID, err = devmapper.NewUUID(uuidArg)
				if err != nil {
					return err
				}
			}

			var flags devmapper.DmFlags
			if readOnly {
				flags |= devmapper.DmReadOnly
			}

			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			info, err := dm.DeviceCreate(name, devUUID, flags)
			if err != nil {
				return err
			}
			return printInfo(info)
		},
	}
}

func removeCmd() *cli.Command {
	var deferred bool
	return &cli.Command{
		Name:      "remove",
		Aliases:   []string{"rm"},
		Usage:     "Remove a device and its tables",
		ArgsUsage: "<device>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "deferred",
				Usage:       "defer removal of an open device until last close",
				Destination: &deferred,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			var flags devmapper.DmFlags
			if deferred {
				flags |= devmapper.DmDeferredRemove
			}

			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			_, err = dm.DeviceRemove(id, flags)
			return err
		},
	}
}

func renameCmd() *cli.Command {
	var setUUID bool
	return &cli.Command{
		Name:      "rename",
		Usage:     "Rename a device, or assign its uuid",
		ArgsUsage: "<device> <new-name|new-uuid>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "set-uuid",
				Usage:       "assign a uuid instead of renaming",
				Destination: &setUUID,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			newID := cmd.Args().Get(1)
			if newID == "" {
				return cli.Exit("error: new identifier required", 1)
			}

			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			if setUUID {
				newUUID, err := devmapper.NewUUID(newID)
				if err != nil {
					return err
				}
				_, err = dm.DeviceRenameUUID(id, newUUID)
				return err
			}
			newName, err := devmapper.NewName(newID)
			if err != nil {
				return err
			}
			_, err = dm.DeviceRenameName(id, newName)
			return err
		},
	}
}

func suspendCmd() *cli.Command {
	var noFlush, skipLockFS bool
	return &cli.Command{
		Name:      "suspend",
		Usage:     "Suspend a device",
		ArgsUsage: "<device>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "noflush",
				Usage:       "suspend without flushing queued I/O",
				Destination: &noFlush,
			},
			&cli.BoolFlag{
				Name:        "nolockfs",
				Usage:       "don't freeze the filesystem before suspending",
				Destination: &skipLockFS,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			flags := devmapper.DmSuspend
			if noFlush {
				flags |= devmapper.DmNoFlush
			}
			if skipLockFS {
				flags |= devmapper.DmSkipLockFS
			}

			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			_, err = dm.DeviceSuspend(id, flags)
			return err
		},
	}
}

func resumeCmd() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume a device, activating any staged table",
		ArgsUsage: "<device>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			_, err = dm.DeviceSuspend(id, 0)
			return err
		},
	}
}

func loadCmd() *cli.Command {
	var tableFile string
	return &cli.Command{
		Name:      "load",
		Usage:     "Stage a table from a file or stdin (one target per line)",
		ArgsUsage: "<device>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "table",
				Usage:       "file with table lines, - for stdin",
				Value:       "-",
				Destination: &tableFile,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}

			var in io.Reader = os.Stdin
			if tableFile != "-" {
				f, err := os.Open(tableFile)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			targets, err := readTable(in)
			if err != nil {
				return err
			}

			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			_, err = dm.TableLoad(id, targets)
			return err
		},
	}
}

func clearCmd() *cli.Command {
	return &cli.Command{
		Name:      "clear",
		Aliases:   []string{"wipe"},
		Usage:     "Discard a device's staged table",
		ArgsUsage: "<device>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			_, err = dm.TableClear(id)
			return err
		},
	}
}

func depsCmd() *cli.Command {
	var inactive bool
	return &cli.Command{
		Name:      "deps",
		Usage:     "List the block devices a device's table references",
		ArgsUsage: "<device>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "inactive",
				Usage:       "query the staged table instead of the active one",
				Destination: &inactive,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			var flags devmapper.DmFlags
			if inactive {
				flags |= devmapper.DmQueryInactiveTable
			}

			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			deps, err := dm.TableDeps(id, flags)
			if err != nil {
				return err
			}
			if flagJSON {
				return emit(deps)
			}
			for _, d := range deps {
				fmt.Println(d)
			}
			return nil
		},
	}
}

func tableCmd() *cli.Command {
	var inactive bool
	return &cli.Command{
		Name:      "table",
		Usage:     "Show a device's table as loaded",
		ArgsUsage: "<device>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "inactive",
				Usage:       "query the staged table instead of the active one",
				Destination: &inactive,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			flags := devmapper.DmStatusTable
			if inactive {
				flags |= devmapper.DmQueryInactiveTable
			}

			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			_, table, err := dm.TableStatus(id, flags)
			if err != nil {
				return err
			}
			return printTable(table)
		},
	}
}

func statusCmd() *cli.Command {
	var noFlush bool
	return &cli.Command{
		Name:      "status",
		Usage:     "Show each target's runtime status",
		ArgsUsage: "<device>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "noflush",
				Usage:       "don't flush before reporting",
				Destination: &noFlush,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			var flags devmapper.DmFlags
			if noFlush {
				flags |= devmapper.DmNoFlush
			}

			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			_, table, err := dm.TableStatus(id, flags)
			if err != nil {
				return err
			}
			return printTable(table)
		},
	}
}

func messageCmd() *cli.Command {
	var sectorArg string
	return &cli.Command{
		Name:      "message",
		Aliases:   []string{"msg"},
		Usage:     "Send a message to a device's target",
		ArgsUsage: "<device> <message...>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "sector",
				Usage:       "route the message to the target mapping this sector",
				Destination: &sectorArg,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			msg := strings.Join(cmd.Args().Slice()[1:], " ")
			if msg == "" {
				return cli.Exit("error: message required", 1)
			}

			var sector *devmapper.Sectors
			if sectorArg != "" {
				n, err := strconv.ParseUint(sectorArg, 10, 64)
				if err != nil {
					return fmt.Errorf("bad sector %q: %w", sectorArg, err)
				}
				s := devmapper.Sectors(n)
				sector = &s
			}

			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			_, out, err := dm.TargetMsg(id, sector, msg)
			if err != nil {
				return err
			}
			if out != nil {
				fmt.Println(*out)
			}
			return nil
		},
	}
}

func waitCmd() *cli.Command {
	var timeout time.Duration
	return &cli.Command{
		Name:      "wait",
		Usage:     "Wait for the next event on a device, then show its status",
		ArgsUsage: "<device>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "give up after this long (0 waits forever)",
				Destination: &timeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := deviceArg(cmd)
			if err != nil {
				return err
			}
			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			if timeout > 0 {
				// Bounded wait goes through the pollable control descriptor
				// instead of the blocking wait command.
				poller, err := devmapper.NewPoller(dm)
				if err != nil {
					return err
				}
				defer poller.Close()

				ready, err := poller.Wait(timeout)
				if err != nil {
					return err
				}
				if !ready {
					return cli.Exit("timed out", 2)
				}
				if err := poller.Rearm(); err != nil {
					return err
				}
				info, err := dm.DeviceInfo(id)
				if err != nil {
					return err
				}
				return printInfo(info)
			}

			info, table, err := dm.DeviceWait(id, 0)
			if err != nil {
				return err
			}
			if err := printInfo(info); err != nil {
				return err
			}
			return printTable(table)
		},
	}
}

func removeAllCmd() *cli.Command {
	var force bool
	return &cli.Command{
		Name:  "remove-all",
		Usage: "Destroy every device-mapper device on the system",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "yes-i-mean-it",
				Usage:       "required confirmation",
				Destination: &force,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if !force {
				return cli.Exit("refusing without --yes-i-mean-it", 1)
			}
			dm, err := openDM()
			if err != nil {
				return err
			}
			defer dm.Close()

			return dm.RemoveAll(0)
		},
	}
}

// readTable parses "start length type params..." lines. Blank lines and
// #-comments are skipped.
func readTable(r io.Reader) ([]devmapper.TargetLine, error) {
	var targets []devmapper.TargetLine

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.SplitN(line, " ", 4)
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: want \"start length type [params]\"", lineNo)
		}
		start, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad start: %w", lineNo, err)
		}
		length, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad length: %w", lineNo, err)
		}
		targetType, err := devmapper.NewTargetType(fields[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		params := ""
		if len(fields) == 4 {
			params = fields[3]
		}
		targets = append(targets, devmapper.TargetLine{
			Start:  devmapper.Sectors(start),
			Length: devmapper.Sectors(length),
			Type:   targetType,
			Params: params,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}
