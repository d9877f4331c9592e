package server

import "google.golang.org/grpc"

// Registrar is a common interface for all service registrars.
// Both *grpc.Server and the HTTP Gateway accept registrations.
type Registrar interface {
	Register(s grpc.ServiceRegistrar)
}
