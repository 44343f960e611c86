// Package grpc exposes the standard gRPC health service so orchestrators
// can check the engine. Serving status follows the dispatch pool health.
package grpc
