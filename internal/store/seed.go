package store

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// Seed installs the baseline dormitory catalog, spatial hierarchy and
// occupant categories. Everything upserts, so running it on every start is
// safe and picks up additions.
func (r *Repo) Seed(ctx context.Context) error {
	if err := r.seedCatalog(ctx); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	if err := r.seedSpatial(ctx); err != nil {
		return fmt.Errorf("seed spatial: %w", err)
	}
	if err := r.seedOccupants(ctx); err != nil {
		return fmt.Errorf("seed occupants: %w", err)
	}
	return nil
}

type seedFeature struct {
	Identifier string
	Name       string
	DataType   string
	AccessMode string
	Unit       string
	Specs      map[string]any
}

func (r *Repo) seedCatalog(ctx context.Context) error {
	types := []DeviceType{
		{ID: "energy_meter", Name: "Electricity metering"},
		{ID: "water_meter", Name: "Water metering"},
		{ID: "env_sensor", Name: "Environment sensing"},
	}
	for i := range types {
		if err := r.UpsertDeviceType(ctx, &types[i]); err != nil {
			return err
		}
	}

	models := []DeviceModel{
		{ID: "model_meter_pro", TypeID: "energy_meter", Name: "Smart Meter Pro (v2)"},
		{ID: "model_meter_basic", TypeID: "energy_meter", Name: "Basic single-phase meter"},
		{ID: "model_water_iot", TypeID: "water_meter", Name: "NB-IoT remote water meter"},
		{ID: "model_valve_ctrl", TypeID: "water_meter", Name: "Smart valve controller"},
		{ID: "model_th_sensor", TypeID: "env_sensor", Name: "Temperature/humidity sensor X1"},
	}
	for i := range models {
		if err := r.UpsertDeviceModel(ctx, &models[i]); err != nil {
			return err
		}
	}

	featuresByType := map[string][]seedFeature{
		"energy_meter": {
			{Identifier: "total_energy", Name: "Accumulated energy", DataType: "float", AccessMode: "r", Unit: "kWh", Specs: map[string]any{"min": 0}},
			{Identifier: "active_power", Name: "Active power", DataType: "float", AccessMode: "r", Unit: "W", Specs: map[string]any{"min": 0}},
			{Identifier: "voltage", Name: "Voltage", DataType: "float", AccessMode: "r", Unit: "V", Specs: map[string]any{"min": 0}},
			{Identifier: "current", Name: "Current", DataType: "float", AccessMode: "r", Unit: "A", Specs: map[string]any{"min": 0}},
			{Identifier: "power_switch", Name: "Supply switch", DataType: "boolean", AccessMode: "rw", Specs: map[string]any{"true_label": "close", "false_label": "trip"}},
			{Identifier: "work_mode", Name: "Work mode", DataType: "enum", AccessMode: "rw", Specs: map[string]any{"0": "Normal", "1": "Prepaid", "2": "Maintenance"}},
		},
		"water_meter": {
			{Identifier: "total_water", Name: "Accumulated water", DataType: "float", AccessMode: "r", Unit: "m³", Specs: map[string]any{"min": 0}},
			{Identifier: "flow_rate", Name: "Instantaneous flow", DataType: "float", AccessMode: "r", Unit: "m³/h", Specs: map[string]any{"min": 0}},
			{Identifier: "valve_control", Name: "Valve control", DataType: "boolean", AccessMode: "rw", Specs: map[string]any{"true_label": "open", "false_label": "close"}},
		},
		"env_sensor": {
			{Identifier: "temperature", Name: "Indoor temperature", DataType: "float", AccessMode: "r", Unit: "°C", Specs: map[string]any{"min": -40, "max": 80}},
			{Identifier: "humidity", Name: "Indoor humidity", DataType: "float", AccessMode: "r", Unit: "%", Specs: map[string]any{"min": 0, "max": 100}},
		},
	}
	for _, m := range models {
		for _, sf := range featuresByType[m.TypeID] {
			var specs datatypes.JSON
			if sf.Specs != nil {
				b, err := json.Marshal(sf.Specs)
				if err != nil {
					return err
				}
				specs = datatypes.JSON(b)
			}
			f := DeviceFeature{
				ModelID:    m.ID,
				Identifier: sf.Identifier,
				Name:       sf.Name,
				DataType:   sf.DataType,
				AccessMode: sf.AccessMode,
				Unit:       sf.Unit,
				Specs:      specs,
			}
			if err := r.UpsertDeviceFeature(ctx, &f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Repo) seedSpatial(ctx context.Context) error {
	nodes := []SpatialNode{
		{ID: "b_1", Kind: "building", Name: "Dormitory building 1", SortOrder: 1},
		{ID: "b_1_f_1", ParentID: "b_1", Kind: "floor", Name: "Floor 1 (lobby/warden)", SortOrder: 1},
		{ID: "r_101", ParentID: "b_1_f_1", Kind: "room", Name: "Room 101", SortOrder: 1},
		{ID: "r_102", ParentID: "b_1_f_1", Kind: "room", Name: "Room 102", SortOrder: 2},
		{ID: "b_1_f_2", ParentID: "b_1", Kind: "floor", Name: "Floor 2", SortOrder: 2},
		{ID: "r_201", ParentID: "b_1_f_2", Kind: "room", Name: "Room 201", SortOrder: 1},
		{ID: "r_202", ParentID: "b_1_f_2", Kind: "room", Name: "Room 202", SortOrder: 2},
		{ID: "r_203", ParentID: "b_1_f_2", Kind: "room", Name: "Room 203", SortOrder: 3},
		{ID: "b_2", Kind: "building", Name: "Dormitory building 2", SortOrder: 2},
		{ID: "b_2_f_1", ParentID: "b_2", Kind: "floor", Name: "Floor 1", SortOrder: 1},
	}
	for i := range nodes {
		if err := r.UpsertSpatialNode(ctx, &nodes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) seedOccupants(ctx context.Context) error {
	cats := []OccupantCategory{
		{ID: "u_1", Name: "Undergraduate"},
		{ID: "u_2", Name: "Postgraduate"},
		{ID: "u_3", Name: "Faculty/staff"},
		{ID: "u_4", Name: "Short-term visitor"},
	}
	for i := range cats {
		if err := r.UpsertOccupantCategory(ctx, &cats[i]); err != nil {
			return err
		}
	}
	return nil
}
