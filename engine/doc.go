// Package engine declares the collaborator interfaces the Amphibian core
// consumes: the local inference engine ([Engine]) and the RAG chunk store
// ([RAGStore]). The core treats model output as an opaque token stream and
// never mutates conversation history beyond appending role-tagged entries.
package engine
