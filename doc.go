// Package devicehub is the root of the Device Hub module, a multi-tenant
// ingestion and propagation pipeline for IoT device measurements.
//
// Raw payloads enter through the NATS ingest consumer (or direct pipeline
// calls), are decoded by model-specific decoders, merged into device twins,
// propagated to linked assets and persisted in batches through the bulk
// writer. Every asset mutation is historized and every measurement carries
// provenance back to the payloads that produced it.
//
// Package map:
//
//   - decoder:    payload decoder contract and registry
//   - schema:     device/asset model and mapping fragment registry
//   - pipeline:   staged processing (validate, decode, merge, propagate, persist)
//   - bulk:       batched persistence engine with backpressure
//   - docstore:   pluggable document store (memory, postgres)
//   - provenance: measurement stream queries
//   - engine:     tenant engine provisioning and payload log pruning
//   - ingest:     NATS JetStream consumer
//   - health:     operational HTTP surface
//   - types:      shared persisted document model
package devicehub
