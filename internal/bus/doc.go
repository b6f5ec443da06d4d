// Package bus adapts the controller's collaborator contracts onto
// NATS request/reply. Each collaborator lives behind a well-known
// subject; requests and replies are JSON. Responders are expected to
// encode their own failures into the reply verdict, so a transport
// error here always means the collaborator was unreachable.
package bus
