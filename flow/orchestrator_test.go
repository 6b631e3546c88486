package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowline-io/flowline/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	t.Run("accepts the recognized modes", func(t *testing.T) {
		for _, s := range []string{"all", "decoder", "validator", "processor"} {
			m, err := ParseMode(s)
			require.NoError(t, err)
			assert.Equal(t, Mode(s), m)
		}
	})

	t.Run("rejects anything else", func(t *testing.T) {
		_, err := ParseMode("router")
		assert.Error(t, err)
	})
}

func TestModeRoles(t *testing.T) {
	assert.ElementsMatch(t, []Role{RoleDecoder, RoleValidator, RoleProcessor}, ModeAll.roles())
	assert.Equal(t, []Role{RoleDecoder}, ModeDecoder.roles())
	assert.Equal(t, []Role{RoleValidator}, ModeValidator.roles())
	assert.Equal(t, []Role{RoleProcessor}, ModeProcessor.roles())
}

func fastBackoff() reliability.RetryPolicy {
	return reliability.NewExponentialBackoff(time.Millisecond, time.Millisecond, 1.0, 2)
}

func TestOrchestratorStart(t *testing.T) {
	t.Run("rejects an invalid topology before connecting", func(t *testing.T) {
		broker := newMemBroker()
		o := NewOrchestrator(newMemGateway(broker), WithBackoff(fastBackoff()))

		top := NewTopology("p")
		top.Bindings[0].Pattern = "#"

		_, err := o.Start(context.Background(), ModeAll, top)
		assert.ErrorIs(t, err, ErrInvalidTopology)
		assert.Equal(t, 0, broker.declareCalls)
	})

	t.Run("fails fast when topology declaration fails and starts no stage", func(t *testing.T) {
		broker := newMemBroker()
		gateway := newMemGateway(broker)
		gateway.declareErr = errors.New("exchange type mismatch")

		o := NewOrchestrator(gateway, WithBackoff(fastBackoff()))

		_, err := o.Start(context.Background(), ModeAll, NewTopology("p"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "declare topology")
	})

	t.Run("connects with backoff before declaring", func(t *testing.T) {
		broker := newMemBroker()
		gateway := newMemGateway(broker)
		gateway.connectErrs = []error{errors.New("refused"), errors.New("refused"), nil}

		o := NewOrchestrator(gateway, WithBackoff(fastBackoff()))

		handle, err := o.Start(context.Background(), ModeProcessor, NewTopology("p"))
		require.NoError(t, err)
		assert.Equal(t, 1, broker.declareCalls)

		handle.Stop()
		assert.NoError(t, handle.Wait())
	})

	t.Run("gives up when connection attempts exhaust", func(t *testing.T) {
		broker := newMemBroker()
		gateway := newMemGateway(broker)
		refused := errors.New("refused")
		gateway.connectErrs = []error{refused, refused, refused, refused}

		o := NewOrchestrator(gateway, WithBackoff(fastBackoff()))

		_, err := o.Start(context.Background(), ModeAll, NewTopology("p"))
		require.Error(t, err)
		assert.ErrorIs(t, err, refused)
		assert.Equal(t, 0, broker.declareCalls, "no declaration without a connection")
	})

	t.Run("declaring twice is idempotent", func(t *testing.T) {
		broker := newMemBroker()
		top := NewTopology("p")

		for i := 0; i < 2; i++ {
			o := NewOrchestrator(newMemGateway(broker), WithBackoff(fastBackoff()))
			handle, err := o.Start(context.Background(), ModeProcessor, top)
			require.NoError(t, err)
			handle.Stop()
			require.NoError(t, handle.Wait())
		}

		assert.Equal(t, 2, broker.declareCalls)
		// Convergent declarations: one binding set, no duplicates.
		assert.Len(t, broker.bindings, len(top.Bindings)+1)
	})
}

func TestOrchestratorShutdown(t *testing.T) {
	t.Run("stop then wait returns nil after a clean run", func(t *testing.T) {
		broker := newMemBroker()
		o := NewOrchestrator(newMemGateway(broker), WithBackoff(fastBackoff()))

		handle, err := o.Start(context.Background(), ModeAll, NewTopology("p"))
		require.NoError(t, err)

		handle.Stop()
		assert.NoError(t, handle.Wait())
	})

	t.Run("stages fail together when restarts exhaust", func(t *testing.T) {
		broker := newMemBroker()
		gateway := newMemGateway(broker)
		o := NewOrchestrator(gateway, WithBackoff(fastBackoff()))

		handle, err := o.Start(context.Background(), ModeAll, NewTopology("p"))
		require.NoError(t, err)

		// Kill one stage's source for good: the whole pipeline must
		// come down once its restarts run out.
		broker.mu.Lock()
		close(broker.queues["p.decoder"])
		broker.mu.Unlock()

		done := make(chan error, 1)
		go func() { done <- handle.Wait() }()

		select {
		case err := <-done:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "restart attempts exhausted")
			assert.ErrorIs(t, err, ErrSourceClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not fail together")
		}
	})

	t.Run("persistent channel failures stop the pipeline", func(t *testing.T) {
		// A healthy connection with a broken channel path must not turn
		// into an unbounded restart loop: the attempt bound applies to
		// channel-level failures too.
		broker := newMemBroker()
		gateway := newMemGateway(broker)
		gateway.openErr = errors.New("queue deleted")

		o := NewOrchestrator(gateway, WithBackoff(fastBackoff()))

		handle, err := o.Start(context.Background(), ModeProcessor, NewTopology("p"))
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- handle.Wait() }()

		select {
		case err := <-done:
			require.Error(t, err)
			assert.Contains(t, err.Error(), "restart attempts exhausted")
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline kept restarting instead of failing")
		}

		// One connect at start plus one per bounded restart.
		assert.LessOrEqual(t, gateway.connects(), 4)
	})
}
