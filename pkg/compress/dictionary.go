package compress

import "strings"

// samples are representative envelope contents exchanged between agents and
// the orchestrator. Raw-content dictionaries favour the tail, so the most
// frequent fragments come last.
var samples = []string{
    `{"transfer_id":"","filename":"","index":0,"total":0,"size":0,"checksum":""}`,
    `{"transfer_id":"","index":0,"ack":true}`,
    `{"task":{"id":"","description":"","scope":{"crud":true,"auth":false,"external":false},"urls":[],"frontend_code":null,"backend_code":null,"api_schema":null},"capability":""}`,
    `{"action":"create","target":"","args":{}}`,
    `{"action":"update","target":"","args":{}}`,
    `{"action":"delete","target":"","args":{}}`,
    `{"action":"status"}`,
    `{"status":"ok","result":null,"error":null}`,
    `{"event":"broadcast","message":""}`,
    `{"ack":0}`,
}

func builtinDictionary() []byte {
    var sb strings.Builder
    for i := 0; i < 2; i++ {
        for _, s := range samples { sb.WriteString(s) }
    }
    return []byte(sb.String())
}
