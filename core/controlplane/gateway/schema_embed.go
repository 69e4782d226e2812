package gateway

import (
	"embed"

	"github.com/driftmail/driftmail/core/infra/schema"
)

const pipelineSchemaFile = "schema/pipeline.schema.json"

//go:embed schema/*.json
var gatewaySchemaFS embed.FS

// pipelineBodySchema validates pipeline create/update bodies. Compiled
// once at init so request handling never recompiles.
var pipelineBodySchema = schema.MustCompile("pipeline", pipelineSchema())

func pipelineSchema() []byte {
	data, err := gatewaySchemaFS.ReadFile(pipelineSchemaFile)
	if err != nil {
		panic("pipeline schema missing from embed: " + err.Error())
	}
	return data
}
