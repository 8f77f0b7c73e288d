// Package crawler defines the domain types, collaborator interfaces, and error
// taxonomy shared by the RCSB PDB ingestion pipeline.
package crawler
