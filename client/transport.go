package client

import "github.com/danielfrankch/optogrid-client/proto"

type Transport interface {
	Connect(addr string) error
	Send(frame proto.Frame) error
	Read() (proto.Frame, error) // for one-at-a-time processing
	Close() error
}
