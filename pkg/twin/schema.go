package twin

import "strconv"

// xsdToJSONType maps an AAS valueType (XSD) string to a JSON Schema
// primitive type name.
var xsdToJSONType = map[string]string{
	"xs:string":         "string",
	"xs:boolean":        "boolean",
	"xs:integer":        "integer",
	"xs:int":            "integer",
	"xs:long":           "integer",
	"xs:short":          "integer",
	"xs:byte":           "integer",
	"xs:unsignedInt":    "integer",
	"xs:unsignedLong":   "integer",
	"xs:unsignedShort":  "integer",
	"xs:unsignedByte":   "integer",
	"xs:decimal":        "number",
	"xs:float":          "number",
	"xs:double":         "number",
	"xs:date":           "string",
	"xs:dateTime":       "string",
	"xs:time":           "string",
	"xs:duration":       "string",
	"xs:anyURI":         "string",
	"xs:base64Binary":   "string",
	"xs:hexBinary":      "string",
}

// ValueTypeToJSONType converts an AAS valueType to its JSON Schema
// type name, defaulting to "string" for unrecognized or empty input.
func ValueTypeToJSONType(valueType string) string {
	if valueType == "" {
		return "string"
	}
	if t, ok := xsdToJSONType[valueType]; ok {
		return t
	}
	return "string"
}

// JSONSchema is an ordered-enough JSON Schema fragment; map values are
// plain interface{} since schemas are shallow and assembled once per
// descriptor build.
type JSONSchema map[string]interface{}

// ToolSpec is the derived operation descriptor used by the capability
// index and the orchestrator's tool pipeline.
type ToolSpec struct {
	Name           string
	Description    string
	InputSchema    JSONSchema
	SubmodelID     string
	OperationPath  string
	RiskLevel      RiskLevel
	DelegationURL  string
}

var riskDescriptions = map[RiskLevel]string{
	RiskLow:      "This operation is safe for routine use.",
	RiskMedium:   "This operation may affect process state.",
	RiskHigh:     "This operation actuates equipment. Simulation recommended.",
	RiskCritical: "This operation is safety-critical. Requires approval.",
}

// BuildPropertySchema builds a JSON Schema fragment for a Property
// element, applying Min/Max qualifiers as numeric bounds or string
// length bounds and appending the unit qualifier to the description.
func BuildPropertySchema(e Element) JSONSchema {
	valueType, _ := e.Qualifier(QualifierValueType)
	jsonType := ValueTypeToJSONType(valueType)

	schema := JSONSchema{"type": jsonType}

	minStr, hasMin := e.Qualifier(QualifierMin)
	maxStr, hasMax := e.Qualifier(QualifierMax)

	switch jsonType {
	case "integer":
		if hasMin {
			if v, err := strconv.Atoi(minStr); err == nil {
				schema["minimum"] = v
			}
		}
		if hasMax {
			if v, err := strconv.Atoi(maxStr); err == nil {
				schema["maximum"] = v
			}
		}
	case "number":
		if hasMin {
			if v, err := strconv.ParseFloat(minStr, 64); err == nil {
				schema["minimum"] = v
			}
		}
		if hasMax {
			if v, err := strconv.ParseFloat(maxStr, 64); err == nil {
				schema["maximum"] = v
			}
		}
	case "string":
		if hasMin {
			if v, err := strconv.Atoi(minStr); err == nil {
				schema["minLength"] = v
			}
		}
		if hasMax {
			if v, err := strconv.Atoi(maxStr); err == nil {
				schema["maxLength"] = v
			}
		}
	}

	if unit, ok := e.Qualifier(QualifierUnit); ok && unit != "" {
		schema["description"] = "(Unit: " + unit + ")"
	}

	return schema
}

// BuildInputSchema builds the full input JSON Schema for an Operation
// element from its child elements (treated as input variables),
// augmented with the two mandatory safety fields.
func BuildInputSchema(op Element) JSONSchema {
	properties := JSONSchema{}
	var required []string

	for _, child := range op.Children {
		switch child.ModelType {
		case ModelTypeProperty:
			properties[child.IDShort] = BuildPropertySchema(child)
		case ModelTypeCollection:
			properties[child.IDShort] = buildCollectionSchema(child)
		case ModelTypeList:
			properties[child.IDShort] = buildListSchema(child)
		default:
			properties[child.IDShort] = JSONSchema{"type": "string"}
		}
		required = append(required, child.IDShort)
	}

	properties["simulate"] = JSONSchema{
		"type":        "boolean",
		"description": "If true, run in simulation mode without affecting real equipment",
	}
	properties["safety_reasoning"] = JSONSchema{
		"type":        "string",
		"minLength":   8,
		"description": "Brief justification for why this action is safe and appropriate",
	}
	required = append(required, "simulate", "safety_reasoning")

	return JSONSchema{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func buildCollectionSchema(e Element) JSONSchema {
	properties := JSONSchema{}
	for _, child := range e.Children {
		switch child.ModelType {
		case ModelTypeProperty:
			properties[child.IDShort] = BuildPropertySchema(child)
		case ModelTypeCollection:
			properties[child.IDShort] = buildCollectionSchema(child)
		case ModelTypeList:
			properties[child.IDShort] = buildListSchema(child)
		}
	}
	return JSONSchema{"type": "object", "properties": properties}
}

func buildListSchema(e Element) JSONSchema {
	if len(e.Children) == 0 {
		return JSONSchema{"type": "array", "items": JSONSchema{"type": "object"}}
	}
	first := e.Children[0]
	var items JSONSchema
	switch first.ModelType {
	case ModelTypeProperty:
		items = BuildPropertySchema(first)
	case ModelTypeCollection:
		items = buildCollectionSchema(first)
	default:
		items = JSONSchema{}
	}
	return JSONSchema{"type": "array", "items": items}
}

// BuildDescription composes the human description with risk context,
// matching the "{base} (Risk: {level}). {note}" convention.
func BuildDescription(baseDescription string, risk RiskLevel) string {
	if baseDescription == "" {
		baseDescription = "Execute operation"
	}
	return baseDescription + " (Risk: " + risk.String() + "). " + riskDescriptions[risk]
}

// GenerateToolSpec derives a ToolSpec from an Operation element found
// at operationPath within submodelID.
func GenerateToolSpec(op Element, submodelID, operationPath string) ToolSpec {
	riskStr, _ := op.Qualifier(QualifierRiskLevel)
	risk := ParseRiskLevel(riskStr)
	delegation, _ := op.Qualifier(QualifierDelegationURL)

	baseDesc := ""
	if d, ok := op.Raw["description"].(string); ok {
		baseDesc = d
	}

	return ToolSpec{
		Name:          op.IDShort,
		Description:   BuildDescription(baseDesc, risk),
		InputSchema:   BuildInputSchema(op),
		SubmodelID:    submodelID,
		OperationPath: operationPath,
		RiskLevel:     risk,
		DelegationURL: delegation,
	}
}
