// Package dispatch delivers named events to a tree of objects.
//
// Events are registered on an Object with On, and delivered with Post (by
// name), Forward (a pre-built Event), or Schedule (Post after a delay, via an
// evengine timer owned by the receiver). Handlers receive a Call whose
// argument vector is the event's declared arguments, then any extra
// arguments, then the sender.
//
// A propagating event is delivered to every descendant of the receiver,
// depth first, and then to the receiver, so a tree of N descendants yields
// N+1 invocations. Synchronous handlers run inline while the receiver is
// locked. Asynchronous handlers run on the dispatcher's Runner with their
// own copy of the call.
package dispatch
