// Package bridge provides synchronous request-reply over the asynchronous bus.
//
// A Gateway publishes a product event on the request topic and blocks the
// caller until a reply arrives on the reply topic or the deadline passes.
//
// Correlation modes:
//   - CorrelateByKey (default): every request carries a fresh correlation id
//     as message key and correlation-id header. Gateway.Run consumes the reply
//     topic and hands each reply to the caller waiting on that id. Replies for
//     unknown or expired ids are dropped.
//   - CorrelateFirstReply: each caller pulls from the shared reply
//     subscription and accepts the first reply that decodes, whichever
//     request produced it. This matches processors that do not echo a
//     correlation id, and is only correct while a single request is
//     outstanding at a time.
//
// Errors returned by Submit are distinguishable with errors.Is:
// contracts.ErrPublishFailed, contracts.ErrTimeout, contracts.ErrTooManyPending
// and ErrGatewayClosed. Caller cancellation is reported as context.Canceled.
//
// Basic usage:
//
//	gw, err := bridge.NewGateway(transport.Publisher(), replies)
//	if err != nil {
//	    return err
//	}
//	go gw.Run(ctx)
//
//	event, err := gw.CreateEvent(product, contracts.ActionCreated)
//	if err != nil {
//	    return err
//	}
//	reply, err := gw.Submit(ctx, event)
package bridge
