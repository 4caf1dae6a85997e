package vnode

import "errors"

var (
	ErrStopped          = errors.New("supervisor stopped")
	ErrDeliveriesClosed = errors.New("broker closed the delivery channel")
)
