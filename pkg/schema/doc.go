// Package schema defines how records are declared, validated, and
// evolved.
//
// A schema is declared as an Attributes map from field name to a rule
// string, for example:
//
//	schema.Attributes{
//		"status": "string|required|minlength:2",
//		"total":  "number|required|min:0",
//		"token":  "secret|required",
//		"tags":   "array|items:string",
//		"customer": schema.Attributes{
//			"name":  "string|required",
//			"email": "email",
//		},
//	}
//
// Rule strings combine one type marker (string, number, boolean, date,
// array, secret, url, email) with constraints (required, optional,
// default:<literal>, min:<n>, max:<n>, minlength:<n>, maxlength:<n>,
// items:<rule>). Object fields are declared with a nested map instead of
// a rule string. Fields typed secret are encrypted at rest by the codec.
//
// Record values are modelled by the Value tagged union rather than
// untyped maps, and Validate returns a ValidRecord carrier that only the
// validating schema can mint; the write pipeline accepts nothing else.
// Coerce runs before validation and applies defaults plus safe
// conversions such as numeric strings to numbers.
//
// Versioning is append-only. A VersionSet compiles the initial
// declaration as v0 and stamps each evolution with the next tag; old
// versions stay resolvable so records written under them keep decoding.
package schema
