// Package dispatch is the reference sequential dispatcher.
//
// A Dispatcher takes one request at a time from the queue, hands it to a
// Sender and settles it:
//   - success: SuccessData is applied and the request is completed
//   - permanent failure: FailureData is applied and the request is completed
//   - transient failure: the request is returned to the head of the queue
//
// Only one request is ever in flight, so server-side effects happen in
// queue order.
package dispatch
