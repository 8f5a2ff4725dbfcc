package feetech

import "sort"

// Model describes a servo family member as identified by its model number
// register.
type Model struct {
	Number   uint16
	Name     string
	Protocol int
}

// Known servo models keyed by the value of RegModelNumber.
var (
	ModelSTS3215  = Model{Number: 777, Name: "STS 3215", Protocol: ProtocolSTS}
	ModelSTS3250  = Model{Number: 2825, Name: "STS 3250", Protocol: ProtocolSTS}
	ModelSCS0009  = Model{Number: 1284, Name: "SCS 0009", Protocol: ProtocolSCS}
	ModelSM8512BL = Model{Number: 11272, Name: "SM 8512BL", Protocol: ProtocolSTS}
)

var modelsByNumber = map[uint16]Model{
	ModelSTS3215.Number:  ModelSTS3215,
	ModelSTS3250.Number:  ModelSTS3250,
	ModelSCS0009.Number:  ModelSCS0009,
	ModelSM8512BL.Number: ModelSM8512BL,
}

// LookupModel returns the model registered for a model number.
func LookupModel(number uint16) (Model, bool) {
	m, ok := modelsByNumber[number]
	return m, ok
}

// Models returns every known model ordered by model number.
func Models() []Model {
	models := make([]Model, 0, len(modelsByNumber))
	for _, m := range modelsByNumber {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Number < models[j].Number })
	return models
}
