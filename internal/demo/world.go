// Package demo holds the sample entity classes a replicon host serves when
// started without an embedding game.
package demo

import (
	"fmt"
	"math"
	"time"

	"github.com/replicon-project/replicon/internal/entity"
)

// Class names
const (
	ClassPlayer = "Player"
	ClassPickup = "Pickup"
)

const (
	orbitSpeed = 0.5 // rad/s
	baseRadius = 10
	maxHealth  = 100
)

// Player is a server-driven avatar. X and Y are interpolated on replicas.
type Player struct {
	entity.Base
	X      entity.InterpolatedVar[float32]
	Y      entity.InterpolatedVar[float32]
	Health entity.Var[uint8]
	Model  entity.Var[uint16]
}

// Pickup is a static item.
type Pickup struct {
	entity.Base
	X    entity.Var[float32]
	Y    entity.Var[float32]
	Kind entity.Var[uint8]
}

// Register links the demo classes and their variables into r.
func Register(r *entity.Registry) error {
	if err := entity.Link[Player](r, ClassPlayer); err != nil {
		return err
	}
	if err := entity.Link[Pickup](r, ClassPickup); err != nil {
		return err
	}

	players := []struct {
		name string
		get  func(*Player) entity.Variable
	}{
		{"x", func(p *Player) entity.Variable { return &p.X }},
		{"y", func(p *Player) entity.Variable { return &p.Y }},
		{"health", func(p *Player) entity.Variable { return &p.Health }},
		{"model", func(p *Player) entity.Variable { return &p.Model }},
	}
	for _, v := range players {
		if err := entity.RegisterVariable(r, ClassPlayer, v.name, v.get); err != nil {
			return err
		}
	}

	pickups := []struct {
		name string
		get  func(*Pickup) entity.Variable
	}{
		{"x", func(p *Pickup) entity.Variable { return &p.X }},
		{"y", func(p *Pickup) entity.Variable { return &p.Y }},
		{"kind", func(p *Pickup) entity.Variable { return &p.Kind }},
	}
	for _, v := range pickups {
		if err := entity.RegisterVariable(r, ClassPickup, v.name, v.get); err != nil {
			return err
		}
	}
	return nil
}

// Populate creates and publishes players and pickups. Pickups are spread on
// a ring around the players' orbits.
func Populate(m *entity.ServerManager, players, pickups int) error {
	for i := 0; i < players; i++ {
		e, id, err := m.CreateEntityByName(ClassPlayer)
		if err != nil {
			return fmt.Errorf("create player: %w", err)
		}
		p := e.(*Player)
		p.Health.Set(maxHealth)
		p.Model.Set(uint16(i % 4))
		if err := m.PublishEntity(id); err != nil {
			return err
		}
	}

	for i := 0; i < pickups; i++ {
		e, id, err := m.CreateEntityByName(ClassPickup)
		if err != nil {
			return fmt.Errorf("create pickup: %w", err)
		}
		p := e.(*Pickup)
		angle := 2 * math.Pi * float64(i) / float64(pickups)
		p.X.Set(float32(40 * math.Cos(angle)))
		p.Y.Set(float32(40 * math.Sin(angle)))
		p.Kind.Set(uint8(i % 3))
		if err := m.PublishEntity(id); err != nil {
			return err
		}
	}
	return nil
}

// Simulate advances every player to its position at now. Players orbit the
// origin on a radius chosen by id, and health cycles down then resets.
func Simulate(m *entity.ServerManager, now time.Time) {
	secs := float64(now.UnixNano()) / float64(time.Second)
	for _, e := range m.Entities() {
		p, ok := e.(*Player)
		if !ok {
			continue
		}
		x, y := Orbit(p.EntityID(), secs)
		p.X.SetAt(now, x)
		p.Y.SetAt(now, y)
		p.Health.Set(uint8(maxHealth - int64(secs)%maxHealth))
	}
}

// Orbit returns the position of player id at secs.
func Orbit(id uint16, secs float64) (float32, float32) {
	radius := OrbitRadius(id)
	angle := secs*orbitSpeed + float64(id)
	return float32(radius * math.Cos(angle)), float32(radius * math.Sin(angle))
}

// OrbitRadius returns the orbit radius of player id.
func OrbitRadius(id uint16) float64 {
	return baseRadius + 5*float64(id%4)
}
