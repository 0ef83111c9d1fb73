package executor

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// outcome is a terminal command result. If a command the executor
// already settled is dispatched again, the cached outcome is replayed
// instead of pulsing the hardware twice.
type outcome struct {
	completed bool
	errMsg    string
}

type resultCache struct {
	lru *lru.Cache[string, outcome]
}

func newResultCache(size int) (*resultCache, error) {
	c, err := lru.New[string, outcome](size)
	if err != nil {
		return nil, err
	}
	return &resultCache{lru: c}, nil
}

func (c *resultCache) get(commandID string) (outcome, bool) {
	return c.lru.Get(commandID)
}

func (c *resultCache) put(commandID string, o outcome) {
	c.lru.Add(commandID, o)
}

// reset drops all cached results. Part of the kiosk restart protocol.
func (c *resultCache) reset() {
	c.lru.Purge()
}
