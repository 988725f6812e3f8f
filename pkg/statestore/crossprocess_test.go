//go:build unix

package statestore

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/expvisor/pkg/experiment"
)

const helperEnv = "EXPVISOR_STATESTORE_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelper())
	}
	os.Exit(m.Run())
}

// runHelper is executed in a child process. It creates its own records and
// increments a shared counter record.
func runHelper() int {
	ctx := context.Background()
	root := os.Getenv("HELPER_ROOT")
	name := os.Getenv("HELPER_NAME")
	iters, _ := strconv.Atoi(os.Getenv("HELPER_ITERS"))

	s := New(root, Options{})
	for i := 0; i < iters; i++ {
		owner := name
		if _, err := s.Put(ctx, fmt.Sprintf("%s-%d", name, i), experiment.Patch{Owner: &owner, CreateOnly: true}); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if err := increment(ctx, s, "shared"); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	return 0
}

func TestStore_CrossProcessNoLostUpdates(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns helper processes")
	}
	ctx := context.Background()
	root := t.TempDir()
	create(t, New(root, Options{}), "shared", "admin")

	const procs, iters = 4, 15
	cmds := make([]*exec.Cmd, 0, procs)
	for p := 0; p < procs; p++ {
		cmd := exec.Command(os.Args[0])
		cmd.Env = append(os.Environ(),
			helperEnv+"=1",
			"HELPER_ROOT="+root,
			fmt.Sprintf("HELPER_NAME=proc%d", p),
			fmt.Sprintf("HELPER_ITERS=%d", iters),
		)
		cmd.Stderr = os.Stderr
		require.NoError(t, cmd.Start())
		cmds = append(cmds, cmd)
	}
	for _, cmd := range cmds {
		require.NoError(t, cmd.Wait())
	}

	s := New(root, Options{})
	shared, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, procs*iters, shared.ResultFilesCount)

	for p := 0; p < procs; p++ {
		recs, err := s.List(ctx, experiment.ListFilter{Owner: fmt.Sprintf("proc%d", p)})
		require.NoError(t, err)
		assert.Len(t, recs, iters)
	}
}
