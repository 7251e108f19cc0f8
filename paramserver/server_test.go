package paramserver

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/unixpickle/gradsync/collcomm"
)

func workerGradients(i int) collcomm.Gradients {
	x := float64(i + 1)
	return collcomm.Gradients{
		"w": {x, 2 * x, -x},
		"b": {x * x},
	}
}

// runRound pushes and pulls for every worker concurrently.
func runRound(t *testing.T, s Service, ids []string) []*Aggregate {
	res := make([]*Aggregate, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			ctx := context.Background()
			if err := s.PushGradients(ctx, id, workerGradients(i), i+1); err != nil {
				t.Error(err)
				return
			}
			agg, err := s.PullGradients(ctx, id)
			if err != nil {
				t.Error(err)
				return
			}
			res[i] = agg
		}(i, id)
	}
	wg.Wait()
	return res
}

func checkAggregates(t *testing.T, aggs []*Aggregate) {
	expected := &Aggregate{Gradients: collcomm.Gradients{}}
	for i := range aggs {
		for name, vec := range workerGradients(i) {
			if sum, ok := expected.Gradients[name]; ok {
				collcomm.Sum(sum, vec)
			} else {
				expected.Gradients[name] = append([]float64{}, vec...)
			}
		}
		expected.SampleCount += i + 1
	}
	for i, agg := range aggs {
		if !reflect.DeepEqual(agg, expected) {
			t.Errorf("worker %d: expected %v but got %v", i, expected, agg)
		}
	}
}

func TestServerRounds(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	s := NewServer(len(ids), time.Minute)
	for round := 0; round < 3; round++ {
		checkAggregates(t, runRound(t, s, ids))
	}
}

func TestServerProtocolErrors(t *testing.T) {
	s := NewServer(2, time.Minute)
	ctx := context.Background()

	_, err := s.PullGradients(ctx, "a")
	if !errors.Is(err, collcomm.ErrProtocolViolation) {
		t.Errorf("pull without push: unexpected error %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.PushGradients(ctx, "a", workerGradients(0), 1)
	}()
	// Wait for the first push to land.
	for {
		s.lock.Lock()
		pushed := s.pushed["a"]
		s.lock.Unlock()
		if pushed {
			break
		}
		time.Sleep(time.Millisecond)
	}
	err = s.PushGradients(ctx, "a", workerGradients(0), 1)
	if !errors.Is(err, collcomm.ErrProtocolViolation) {
		t.Errorf("duplicate push: unexpected error %v", err)
	}
	err = s.PushGradients(ctx, "b", collcomm.Gradients{"w": {1}}, 1)
	if err == nil {
		t.Error("expected error for mismatched shape")
	}

	if err := s.PushGradients(ctx, "b", workerGradients(1), 2); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestServerInit(t *testing.T) {
	s := NewServer(3, time.Minute)
	ctx := context.Background()
	first := collcomm.Gradients{"w": {1, 2}}
	for i := 0; i < 3; i++ {
		offer := collcomm.Gradients{"w": {float64(i * 10), 0}}
		if i == 0 {
			offer = first
		}
		res, err := s.VariableWeightsInit(ctx, fmt.Sprint(i), offer)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(res, first) {
			t.Errorf("worker %d got %v", i, res)
		}
	}
}

func TestServerTimeout(t *testing.T) {
	s := NewServer(2, 50*time.Millisecond)
	err := s.PushGradients(context.Background(), "a", workerGradients(0), 1)
	if !errors.Is(err, collcomm.ErrAggregationTimeout) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestServerLatePush(t *testing.T) {
	s := NewServer(2, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if err := s.PushGradients(ctx, id, workerGradients(i), i+1); err != nil {
				t.Error(err)
			}
		}(i, id)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	pullA := make(chan *Aggregate, 1)
	go func() {
		agg, err := s.PullGradients(ctx, "a")
		if err != nil {
			t.Error(err)
		}
		pullA <- agg
	}()

	err := s.PushGradients(ctx, "c", workerGradients(5), 7)
	if !errors.Is(err, collcomm.ErrProtocolViolation) {
		t.Errorf("push after a full round: unexpected error %v", err)
	}

	aggB, err := s.PullGradients(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	aggA := <-pullA
	if !reflect.DeepEqual(aggA, aggB) {
		t.Errorf("workers got different aggregates: a=%v b=%v", aggA, aggB)
	}
	checkAggregates(t, []*Aggregate{aggA, aggB})

	// The next round works as usual.
	checkAggregates(t, runRound(t, s, []string{"a", "b"}))
}
