// Package pb declares the deploy.v1.DeployService gRPC service.
//
// Requests and responses are protobuf well-known types, so the service needs
// no generated message code. The descriptor, client and server glue follow the
// layout protoc-gen-go-grpc produces.
package pb
