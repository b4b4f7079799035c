package setup

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/log"

	"github.com/spin-stack/virtbox/runner"
)

// KernelModules loads the kernel modules a test scenario depends on and
// unloads on cleanup only the ones this setuper actually loaded, leaving
// modules that were already present untouched.
type KernelModules struct {
	Modules []string
	Runner  runner.Runner

	loaded []string
}

// NewKernelModules is a Factory reading a space-separated module list from
// the "kernel_modules" parameter.
func NewKernelModules(_ any, params Params, _ Env) Setuper {
	return &KernelModules{
		Modules: strings.Fields(params.Get("kernel_modules", "")),
		Runner:  &runner.Local{},
	}
}

// Setup loads every missing module via modprobe.
func (k *KernelModules) Setup(ctx context.Context) error {
	if k.Runner == nil {
		k.Runner = &runner.Local{}
	}
	present, err := loadedModules()
	if err != nil {
		return err
	}
	for _, mod := range k.Modules {
		if present[mod] {
			continue
		}
		status, out, err := k.Runner.Run(ctx, "modprobe "+mod)
		if err != nil {
			return fmt.Errorf("failed to run modprobe %s: %w", mod, err)
		}
		if status != 0 {
			return fmt.Errorf("modprobe %s exited with status %d: %s", mod, status, strings.TrimSpace(out))
		}
		k.loaded = append(k.loaded, mod)
		log.G(ctx).WithField("module", mod).Debug("setup: loaded kernel module")
	}
	return nil
}

// CleanupOnSetupFailure opts into cleanup after a partial Setup: modules
// loaded before the failing one must still be unloaded.
func (k *KernelModules) CleanupOnSetupFailure() bool { return true }

// Cleanup unloads the modules Setup loaded, in reverse load order.
func (k *KernelModules) Cleanup(ctx context.Context) error {
	var firstErr error
	for i := len(k.loaded) - 1; i >= 0; i-- {
		mod := k.loaded[i]
		status, out, err := k.Runner.Run(ctx, "modprobe -r "+mod)
		if err == nil && status != 0 {
			err = fmt.Errorf("modprobe -r %s exited with status %d: %s", mod, status, strings.TrimSpace(out))
		}
		if err != nil {
			log.G(ctx).WithError(err).WithField("module", mod).Warn("setup: failed to unload kernel module")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.G(ctx).WithField("module", mod).Debug("setup: unloaded kernel module")
	}
	k.loaded = nil
	return firstErr
}

func loadedModules() (map[string]bool, error) {
	b, err := os.ReadFile("/proc/modules")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/modules: %w", err)
	}
	mods := make(map[string]bool)
	for _, line := range strings.Split(string(b), "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			mods[fields[0]] = true
		}
	}
	return mods, nil
}
