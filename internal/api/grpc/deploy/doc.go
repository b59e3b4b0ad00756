// Package deploy implements the gRPC transport for the deployment agent.
//
// It maps domain types to protobuf well-known types and exposes a server that
// calls into a provided business-service interface.
package deploy
