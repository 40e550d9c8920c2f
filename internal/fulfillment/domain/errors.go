package domain

import "errors"

var (
	ErrOrderNotFound     = errors.New("order_not_found")
	ErrOrderNotPaid      = errors.New("order_not_paid")
	ErrInvalidTransition = errors.New("invalid_report_transition")
	ErrNotReportOrder    = errors.New("not_report_order")
	ErrDispatcherClosed  = errors.New("dispatcher_closed")
	ErrQueueFull         = errors.New("report_queue_full")
)
