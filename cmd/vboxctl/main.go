// vboxctl — VBoxManage wrapper CLI for driving the sandbox VM by hand:
// lifecycle control, snapshots, guest IP discovery and screen capture.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeready-toolchain/isolens/pkg/vbox"
)

var (
	vboxManagePath string
	dryRun         bool
	jsonOutput     bool
)

func newClient() *vbox.Client {
	return vbox.NewClient(vboxManagePath, vbox.WithDryRun(dryRun))
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

// printResult renders a raw VBoxManage result: JSON when requested,
// otherwise stdout/stderr passthrough.
func printResult(result vbox.CommandResult) error {
	if jsonOutput {
		return printJSON(result)
	}
	if result.Stdout != "" {
		fmt.Print(result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprint(os.Stderr, result.Stderr)
	}
	return nil
}

func printVMs(vms []vbox.VM) error {
	if jsonOutput {
		return printJSON(vms)
	}
	for _, vm := range vms {
		fmt.Printf("%s  {%s}\n", vm.Name, vm.UUID)
	}
	return nil
}

// vmCommand builds a single-VM command around run, which handles its
// own output.
func vmCommand(use, short string, run func(cmd *cobra.Command, vm string) error) *cobra.Command {
	var vm string
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, vm)
		},
	}
	c.Flags().StringVar(&vm, "vm", "", "VM name or UUID")
	_ = c.MarkFlagRequired("vm")
	return c
}

// rawRun adapts a raw VBoxManage call to vmCommand output handling.
func rawRun(run func(cmd *cobra.Command, vm string) (vbox.CommandResult, error)) func(*cobra.Command, string) error {
	return func(cmd *cobra.Command, vm string) error {
		result, err := run(cmd, vm)
		if err != nil {
			return err
		}
		return printResult(result)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "vboxctl",
		Short:         "IsoLens VirtualBox controller (VBoxManage wrapper)",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&vboxManagePath, "vboxmanage", "VBoxManage",
		"Path to VBoxManage binary")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false,
		"Print commands without executing VBoxManage")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output JSON results")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all VMs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vms, err := newClient().ListVMs(cmd.Context())
			if err != nil {
				return err
			}
			return printVMs(vms)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "list-running",
		Short: "List running VMs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			vms, err := newClient().ListRunningVMs(cmd.Context())
			if err != nil {
				return err
			}
			return printVMs(vms)
		},
	})

	var infoMachineReadable bool
	infoCmd := vmCommand("info", "Show VM info",
		func(cmd *cobra.Command, vm string) error {
			if jsonOutput && !infoMachineReadable {
				info, err := newClient().ShowVMInfo(cmd.Context(), vm)
				if err != nil {
					return err
				}
				return printJSON(info)
			}
			result, err := newClient().ShowVMInfoRaw(cmd.Context(), vm, infoMachineReadable)
			if err != nil {
				return err
			}
			return printResult(result)
		})
	infoCmd.Flags().BoolVar(&infoMachineReadable, "machinereadable", false,
		"Raw machine-readable output")
	rootCmd.AddCommand(infoCmd)

	var headless bool
	startCmd := vmCommand("start", "Start VM",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().StartVM(cmd.Context(), vm, headless)
		}))
	startCmd.Flags().BoolVar(&headless, "headless", false, "Start without a display")
	rootCmd.AddCommand(startCmd)

	rootCmd.AddCommand(vmCommand("poweroff", "Power off VM",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().PoweroffVM(cmd.Context(), vm)
		})))
	rootCmd.AddCommand(vmCommand("savestate", "Save VM state",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().SavestateVM(cmd.Context(), vm)
		})))
	rootCmd.AddCommand(vmCommand("pause", "Pause VM",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().PauseVM(cmd.Context(), vm)
		})))
	rootCmd.AddCommand(vmCommand("resume", "Resume VM",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().ResumeVM(cmd.Context(), vm)
		})))
	rootCmd.AddCommand(vmCommand("reset", "Reset VM",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().ResetVM(cmd.Context(), vm)
		})))

	var force bool
	shutdownCmd := vmCommand("shutdown", "ACPI shutdown VM",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().ShutdownVM(cmd.Context(), vm, force)
		}))
	shutdownCmd.Flags().BoolVar(&force, "force", false, "Force the shutdown")
	rootCmd.AddCommand(shutdownCmd)

	var snapshotName string
	takeCmd := vmCommand("snapshot-take", "Take snapshot",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().SnapshotTake(cmd.Context(), vm, snapshotName)
		}))
	takeCmd.Flags().StringVar(&snapshotName, "name", "", "Snapshot name")
	_ = takeCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(takeCmd)

	var restoreName string
	restoreCmd := vmCommand("snapshot-restore", "Restore snapshot",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().SnapshotRestore(cmd.Context(), vm, restoreName)
		}))
	restoreCmd.Flags().StringVar(&restoreName, "name", "", "Snapshot name")
	_ = restoreCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(restoreCmd)

	rootCmd.AddCommand(vmCommand("snapshot-restore-current", "Restore current snapshot",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().SnapshotRestoreCurrent(cmd.Context(), vm)
		})))

	rootCmd.AddCommand(vmCommand("snapshot-list", "List snapshots",
		func(cmd *cobra.Command, vm string) error {
			list, err := newClient().SnapshotList(cmd.Context(), vm)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(list)
			}
			for _, snap := range list.Snapshots {
				marker := " "
				if snap.UUID == list.Current {
					marker = "*"
				}
				fmt.Printf("%s %s  {%s}\n", marker, snap.Name, snap.UUID)
			}
			return nil
		}))

	rootCmd.AddCommand(vmCommand("vm-ip", "Show guest network interfaces",
		func(cmd *cobra.Command, vm string) error {
			nics, err := newClient().GuestNetInterfaces(cmd.Context(), vm)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(nics)
			}
			for _, nic := range nics {
				fmt.Printf("net%d  %s  %s  %s\n", nic.Interface, nic.IP, nic.MAC, nic.Status)
			}
			return nil
		}))

	var screenshotOut string
	screenshotCmd := vmCommand("screenshot", "Capture the VM display to a PNG",
		rawRun(func(cmd *cobra.Command, vm string) (vbox.CommandResult, error) {
			return newClient().ScreenshotPNG(cmd.Context(), vm, screenshotOut)
		}))
	screenshotCmd.Flags().StringVar(&screenshotOut, "out", "", "Output PNG path")
	_ = screenshotCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(screenshotCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
