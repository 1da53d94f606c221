package pivotview

type Condition string

const (
	CondEq  Condition = "eq"
	CondEq2 Condition = "="

	CondNotEq  Condition = "neq"
	CondNotEq2 Condition = "!="

	CondLike Condition = "like"

	CondGreater     Condition = ">"
	CondGreaterOrEq Condition = ">="
	CondLess        Condition = "<"
	CondLessOrEq    Condition = "<="
)

// Filter restricts a field to values under a condition. SQLService
// accepts a []*Filter as the request filter model.
type Filter struct {
	Key       string    `json:"key"`
	Values    []any     `json:"values"`
	Condition Condition `json:"condition"`
}
