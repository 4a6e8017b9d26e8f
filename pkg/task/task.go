/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Juice-Labs/gpu-relay/pkg/logger"
)

type TaskFn = func(Group) error

// Task is a long running unit of work owned by a Group.
type Task interface {
	Run(group Group) error
}

type Group interface {
	Ctx() context.Context
	Cancel()
	Go(label string, task Task)
	GoFn(label string, task TaskFn)
}

// TaskManager runs labelled tasks until its context is cancelled. A task
// that returns an error cancels every other task; a task that returns nil
// leaves the rest running.
type TaskManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	running sync.WaitGroup

	mutex sync.Mutex
	err   error
}

func NewTaskManager(ctx context.Context) *TaskManager {
	ctx, cancel := context.WithCancel(ctx)

	return &TaskManager{
		ctx:    ctx,
		cancel: cancel,
	}
}

func (group *TaskManager) Ctx() context.Context {
	return group.ctx
}

func (group *TaskManager) Cancel() {
	group.cancel()
}

// Wait blocks until the group is cancelled and every task has returned. The
// result joins each failure, prefixed with its task's label.
func (group *TaskManager) Wait() error {
	<-group.ctx.Done()
	group.running.Wait()

	group.mutex.Lock()
	defer group.mutex.Unlock()

	return group.err
}

func (group *TaskManager) Go(label string, task Task) {
	group.GoFn(label, task.Run)
}

func (group *TaskManager) GoFn(label string, task TaskFn) {
	group.running.Add(1)

	go func() {
		defer group.running.Done()

		logger.Debugw("task started", "task", label)

		if err := task(group); err != nil {
			group.fail(fmt.Errorf("%s: %w", label, err))
		}

		logger.Debugw("task finished", "task", label)
	}()
}

func (group *TaskManager) fail(err error) {
	group.mutex.Lock()
	group.err = errors.Join(group.err, err)
	group.mutex.Unlock()

	group.cancel()
}
