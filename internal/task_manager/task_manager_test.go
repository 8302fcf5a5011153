package task_manager_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syujy/ikesess/internal/task_manager"
)

func TestSerialQueueInlineReentrant(t *testing.T) {
	q := task_manager.NewSerialQueue(nil)
	var order []int
	q.Post(func() {
		order = append(order, 1)
		q.Post(func() { order = append(order, 3) })
		order = append(order, 2)
	})
	assert.Equal(t, []int{1, 2, 3}, order)

	q.Close()
	q.Post(func() { order = append(order, 4) })
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSerialQueueOnWorkerPool(t *testing.T) {
	tm := new(task_manager.Task_manager)
	tm.Init(16, 4)
	tm.Run()

	queues := []*task_manager.SerialQueue{
		task_manager.NewSerialQueue(tm),
		task_manager.NewSerialQueue(tm),
	}
	var mu sync.Mutex
	results := make(map[int][]int)
	active := make(map[int]int)
	overlap := false

	var wg sync.WaitGroup
	for qi, q := range queues {
		for i := 0; i < 50; i++ {
			qi, i := qi, i
			wg.Add(1)
			q.Post(func() {
				defer wg.Done()
				mu.Lock()
				active[qi]++
				if active[qi] > 1 {
					overlap = true
				}
				results[qi] = append(results[qi], i)
				mu.Unlock()
				time.Sleep(100 * time.Microsecond)
				mu.Lock()
				active[qi]--
				mu.Unlock()
			})
		}
	}
	wg.Wait()

	assert.False(t, overlap)
	for qi := range queues {
		require.Len(t, results[qi], 50)
		for i, v := range results[qi] {
			assert.Equal(t, i, v)
		}
	}
}
