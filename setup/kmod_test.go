package setup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	cmds   []string
	status int
	err    error
}

func (f *fakeRunner) Run(_ context.Context, cmd string) (int, string, error) {
	f.cmds = append(f.cmds, cmd)
	return f.status, "", f.err
}

func TestKernelModulesFactory(t *testing.T) {
	s := NewKernelModules(nil, Params{"kernel_modules": "kvm kvm_intel"}, Env{})
	k, ok := s.(*KernelModules)
	require.True(t, ok)
	require.Equal(t, []string{"kvm", "kvm_intel"}, k.Modules)
}

func TestKernelModulesLoadUnload(t *testing.T) {
	r := &fakeRunner{}
	k := &KernelModules{
		Modules: []string{"fake_mod_one", "fake_mod_two"},
		Runner:  r,
	}

	require.NoError(t, k.Setup(t.Context()))
	require.Equal(t, []string{"modprobe fake_mod_one", "modprobe fake_mod_two"}, r.cmds)

	r.cmds = nil
	require.NoError(t, k.Cleanup(t.Context()))
	require.Equal(t, []string{"modprobe -r fake_mod_two", "modprobe -r fake_mod_one"}, r.cmds)

	// A second cleanup has nothing left to unload.
	r.cmds = nil
	require.NoError(t, k.Cleanup(t.Context()))
	require.Empty(t, r.cmds)
}

func TestKernelModulesSetupFailure(t *testing.T) {
	r := &fakeRunner{status: 1}
	k := &KernelModules{Modules: []string{"fake_mod"}, Runner: r}

	require.Error(t, k.Setup(t.Context()))
	require.Empty(t, k.loaded)
	require.True(t, k.CleanupOnSetupFailure())
}

func TestKernelModulesSkipsLoaded(t *testing.T) {
	present, err := loadedModules()
	if err != nil {
		t.Skip("/proc/modules unavailable")
	}
	var mod string
	for m := range present {
		mod = m
		break
	}
	if mod == "" {
		t.Skip("no modules loaded on this host")
	}

	r := &fakeRunner{}
	k := &KernelModules{Modules: []string{mod}, Runner: r}
	require.NoError(t, k.Setup(t.Context()))
	require.Empty(t, r.cmds)
	require.Empty(t, k.loaded)
}

func TestKernelModulesCleanupCollectsFirstError(t *testing.T) {
	r := &fakeRunner{err: errors.New("modprobe broken")}
	k := &KernelModules{Runner: r, loaded: []string{"a", "b"}}

	err := k.Cleanup(t.Context())
	require.Error(t, err)
	// Both unloads were attempted despite the failures.
	require.Equal(t, []string{"modprobe -r b", "modprobe -r a"}, r.cmds)
}
